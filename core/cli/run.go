package cli

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	cliContext "github.com/loramint/loramint/core/cli/context"
	"github.com/loramint/loramint/core/config"
	"github.com/loramint/loramint/core/http"
	"github.com/loramint/loramint/core/services"
	"github.com/loramint/loramint/pkg/diffusion"
	"github.com/loramint/loramint/pkg/model"
	"github.com/loramint/loramint/pkg/xsysinfo"
)

type RunCMD struct {
	DataPath     string `env:"LORAMINT_DATA_PATH,DATA_PATH" type:"path" default:"${basepath}/data" help:"Root directory for models, adapters, outputs and uploads" group:"storage"`
	ModelsPath   string `env:"LORAMINT_MODELS_PATH,MODELS_PATH" type:"path" help:"Path containing downloaded base models (default: <data-path>/models)" group:"storage"`
	LorasPath    string `env:"LORAMINT_LORAS_PATH,LORAS_PATH" type:"path" help:"Path containing trained LoRA adapters (default: <data-path>/loras)" group:"storage"`
	OutputsPath  string `env:"LORAMINT_OUTPUTS_PATH,OUTPUTS_PATH" type:"path" help:"Path containing generated images (default: <data-path>/outputs)" group:"storage"`
	TempPath     string `env:"LORAMINT_TEMP_PATH,TEMP_PATH" type:"path" help:"Path for uploaded training images (default: <data-path>/temp)" group:"storage"`
	ModelCatalog string `env:"LORAMINT_MODEL_CATALOG,MODEL_CATALOG" help:"YAML file overlaying the built-in base model catalog" group:"models"`

	Runtime string `env:"LORAMINT_RUNTIME,RUNTIME" default:"torch" help:"Diffusion runtime binding to use (${runtimes})" group:"backends"`

	Address          string `env:"LORAMINT_ADDRESS,ADDRESS" default:":8000" help:"Bind address for the API server" group:"api"`
	CORS             bool   `env:"LORAMINT_CORS,CORS" help:"" group:"api"`
	CORSAllowOrigins string `env:"LORAMINT_CORS_ALLOW_ORIGINS,CORS_ALLOW_ORIGINS" group:"api"`
}

func (r *RunCMD) Run(ctx *cliContext.Context) error {
	appCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	appConfig := config.NewApplicationConfig(
		config.WithContext(appCtx),
		config.WithAddress(r.Address),
		config.WithDataPath(r.DataPath),
		config.WithModelsPath(r.ModelsPath),
		config.WithLorasPath(r.LorasPath),
		config.WithOutputsPath(r.OutputsPath),
		config.WithTempPath(r.TempPath),
		config.WithModelCatalogPath(r.ModelCatalog),
		config.WithRuntimeName(r.Runtime),
		config.WithCORS(r.CORS),
		config.WithCORSAllowOrigins(r.CORSAllowOrigins),
		config.WithDebug(ctx.Debug),
	)

	rt, err := diffusion.NewRuntime(appConfig.RuntimeName)
	if err != nil {
		log.Error().Err(err).Strs("registered", diffusion.Runtimes()).Msg("no usable diffusion runtime")
		return err
	}

	if snap := xsysinfo.Snapshot(); snap.Available {
		log.Info().
			Str("gpu", snap.Name).
			Float64("total_vram_gb", snap.TotalVRAMGB).
			Float64("free_vram_gb", snap.FreeVRAMGB).
			Msg("GPU detected")
	} else {
		log.Warn().Msg("no GPU detected, generation and training will run on CPU")
	}

	catalog, err := model.LoadCatalog(appConfig.ModelCatalogPath)
	if err != nil {
		return err
	}

	manager, err := model.NewManager(appConfig.ModelsPath, rt, catalog)
	if err != nil {
		return err
	}

	generation, err := services.NewGenerationService(manager, appConfig.LorasPath, appConfig.OutputsPath)
	if err != nil {
		return err
	}
	training, err := services.NewTrainingService(manager, rt, appConfig.LorasPath)
	if err != nil {
		return err
	}
	files, err := services.NewFileStore(appConfig.LorasPath, appConfig.OutputsPath, appConfig.TempPath)
	if err != nil {
		return err
	}

	app := http.App(appConfig, rt, manager, generation, training, files)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", appConfig.Address).Msg("LoraMint API is listening")
		errCh <- app.Listen(appConfig.Address)
	}()

	select {
	case err := <-errCh:
		return err
	case <-appCtx.Done():
		log.Info().Msg("shutting down")
		manager.UnloadModel()
		return app.Shutdown()
	}
}

// RuntimeNames is interpolated into the --runtime help text.
func RuntimeNames() string {
	return strings.Join(diffusion.Runtimes(), ", ")
}
