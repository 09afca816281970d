package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"partnerhub/internal/server"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the partnerhub server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return server.Run(cmd.Context(), cfg, logrus.StandardLogger())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
