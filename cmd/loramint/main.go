package main

import (
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/loramint/loramint/core/cli"
	"github.com/loramint/loramint/internal"
)

func main() {
	// Console logging at info until the CLI options are parsed.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Environment files are loaded before kong resolves env-tagged
	// flags, so a .env value behaves exactly like an exported variable.
	envFiles := []string{".env", "loramint.env"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(homeDir, "loramint.env"), filepath.Join(homeDir, ".config/loramint.env"))
	}
	envFiles = append(envFiles, "/etc/loramint.env")

	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			log.Debug().Str("envFile", envFile).Msg("env file found, loading environment variables from file")
			if err := godotenv.Load(envFile); err != nil {
				log.Error().Err(err).Str("envFile", envFile).Msg("failed to load environment variables from file")
			}
		}
	}

	ctx := kong.Parse(&cli.CLI,
		kong.Description(
			`  LoraMint generates images and trains personal LoRA adapters on local hardware.

Version: ${version}
`,
		),
		kong.UsageOnError(),
		kong.Vars{
			"basepath": kong.ExpandPath("."),
			"runtimes": cli.RuntimeNames(),
			"version":  internal.PrintableVersion(),
		},
	)

	logLevel := "info"
	if cli.CLI.Debug && cli.CLI.LogLevel == nil {
		logLevel = "debug"
	}
	if cli.CLI.LogLevel != nil {
		logLevel = *cli.CLI.LogLevel
	}

	switch logLevel {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if err := ctx.Run(&cli.CLI.Context); err != nil {
		log.Fatal().Err(err).Msg("error running the application")
	}
}
