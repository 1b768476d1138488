// Command gsadash runs global sensitivity analysis jobs for LCA models.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ecological-systems-design/gsa-dashboard/internal/cmd"
)

// Set by -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cmd.ExitCode(err))
	}
}
