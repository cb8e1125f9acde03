package cli

import (
	cliContext "github.com/loramint/loramint/core/cli/context"
)

var CLI struct {
	cliContext.Context `embed:""`

	Run RunCMD `cmd:"" help:"Run the LoraMint API server, the default command if no other command is specified" default:"withargs"`
}
