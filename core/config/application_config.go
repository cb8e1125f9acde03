// Package config carries the application-wide configuration assembled
// at startup.
package config

import (
	"context"
	"path/filepath"
)

// ApplicationConfig is the resolved runtime configuration. Built once
// from CLI flags and environment, then passed down read-only.
type ApplicationConfig struct {
	Context context.Context

	Address string

	// DataPath roots the on-disk layout; the per-concern paths default
	// to subdirectories of it.
	DataPath    string
	ModelsPath  string
	LorasPath   string
	OutputsPath string
	TempPath    string

	// ModelCatalogPath optionally overlays the built-in model catalog.
	ModelCatalogPath string

	// RuntimeName selects the registered diffusion runtime binding.
	RuntimeName string

	CORS             bool
	CORSAllowOrigins string

	Debug bool
}

type AppOption func(*ApplicationConfig)

// NewApplicationConfig builds a config with defaults applied, then the
// options, then derives any path left unset from DataPath.
func NewApplicationConfig(o ...AppOption) *ApplicationConfig {
	opt := &ApplicationConfig{
		Context:     context.TODO(),
		Address:     ":8000",
		DataPath:    "data",
		RuntimeName: "torch",
	}
	for _, oo := range o {
		oo(opt)
	}

	if opt.ModelsPath == "" {
		opt.ModelsPath = filepath.Join(opt.DataPath, "models")
	}
	if opt.LorasPath == "" {
		opt.LorasPath = filepath.Join(opt.DataPath, "loras")
	}
	if opt.OutputsPath == "" {
		opt.OutputsPath = filepath.Join(opt.DataPath, "outputs")
	}
	if opt.TempPath == "" {
		opt.TempPath = filepath.Join(opt.DataPath, "temp")
	}
	return opt
}

func WithContext(ctx context.Context) AppOption {
	return func(o *ApplicationConfig) { o.Context = ctx }
}

func WithAddress(address string) AppOption {
	return func(o *ApplicationConfig) { o.Address = address }
}

func WithDataPath(path string) AppOption {
	return func(o *ApplicationConfig) { o.DataPath = path }
}

func WithModelsPath(path string) AppOption {
	return func(o *ApplicationConfig) { o.ModelsPath = path }
}

func WithLorasPath(path string) AppOption {
	return func(o *ApplicationConfig) { o.LorasPath = path }
}

func WithOutputsPath(path string) AppOption {
	return func(o *ApplicationConfig) { o.OutputsPath = path }
}

func WithTempPath(path string) AppOption {
	return func(o *ApplicationConfig) { o.TempPath = path }
}

func WithModelCatalogPath(path string) AppOption {
	return func(o *ApplicationConfig) { o.ModelCatalogPath = path }
}

func WithRuntimeName(name string) AppOption {
	return func(o *ApplicationConfig) { o.RuntimeName = name }
}

func WithCORS(enabled bool) AppOption {
	return func(o *ApplicationConfig) { o.CORS = enabled }
}

func WithCORSAllowOrigins(origins string) AppOption {
	return func(o *ApplicationConfig) { o.CORSAllowOrigins = origins }
}

func WithDebug(enabled bool) AppOption {
	return func(o *ApplicationConfig) { o.Debug = enabled }
}
