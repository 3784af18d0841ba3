// cmd/root.go
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/helix-engine/helix/internal/herrors"
)

var rootCmd = &cobra.Command{
	Use:   "helix-server",
	Short: "Adaptive speculative-decoding inference engine",
}

// Execute runs the root command and maps a returned error's herrors.Kind
// onto the exit codes spec.md's CLI driver section mandates: 0 success, 64
// bad config, 69 model load failure, 70 internal error. Any error that
// didn't originate as a typed *herrors.Error (e.g. a cobra flag-parsing
// failure) defaults to Internal via herrors.KindOf, i.e. exit 70.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	switch herrors.KindOf(err) {
	case herrors.Input:
		os.Exit(64)
	case herrors.ModelFault:
		os.Exit(69)
	default:
		os.Exit(70)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
