package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print pgpubsub version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pgpubsub %s (commit: %s, built: %s)\n", buildVersion, buildCommit, buildDate)
	},
}
