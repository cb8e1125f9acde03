package cliContext

// Context carries the logging flags shared by every command.
type Context struct {
	Debug    bool    `env:"LORAMINT_DEBUG,DEBUG" default:"false" hidden:"" help:"DEPRECATED, use --log-level=debug instead. Enable debug logging"`
	LogLevel *string `env:"LORAMINT_LOG_LEVEL" enum:"error,warn,info,debug,trace" help:"Set the level of logs to output [${enum}]"`
}
