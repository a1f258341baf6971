package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"vigil/bootstrap"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Vigil security event analyzer",
	Long:  "Vigil ingests normalized security events, evaluates them against detection rules, correlates related activity and manages the resulting alerts.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the analyzer service",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := bootstrap.NewApp(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		if err := app.Start(); err != nil {
			app.Shutdown()
			return fmt.Errorf("failed to start application: %w", err)
		}
		app.WaitForShutdown()
		return nil
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(RulesCmd)
}
