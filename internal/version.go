package internal

import "fmt"

// Populated at build time via -ldflags.
var (
	Version = ""
	Commit  = ""
)

func PrintableVersion() string {
	return fmt.Sprintf("LoraMint %s (commit: %s)", Version, Commit)
}
