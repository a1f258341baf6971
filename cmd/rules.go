// Package cmd provides command-line interface commands for the vigil
// analyzer.
package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vigil/analyze"
	"vigil/core"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

var rulesDir string

// RulesCmd groups rule maintenance subcommands.
var RulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and validate detection rules",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate all rules in the rules directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := loadRules()
		if err != nil {
			errorColor.Fprintf(os.Stderr, "✗ rule validation failed\n")
			return err
		}
		successColor.Printf("✓ %d rules valid\n", len(rules))
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules with their type, severity and state",
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := loadRules()
		if err != nil {
			return err
		}

		headerColor.Printf("%-40s %-12s %-10s %s\n", "NAME", "TYPE", "SEVERITY", "STATE")
		for _, rule := range rules {
			state := "enabled"
			line := fmt.Sprintf("%-40s %-12s %-10s %s", rule.Name, rule.Type, rule.Severity, state)
			if !rule.Enabled {
				state = "disabled"
				warningColor.Printf("%-40s %-12s %-10s %s\n", rule.Name, rule.Type, rule.Severity, state)
				continue
			}
			fmt.Println(line)
		}
		return nil
	},
}

func loadRules() ([]*core.Rule, error) {
	loader := analyze.NewLoader(rulesDir, zap.NewNop().Sugar())
	return loader.Load()
}

func init() {
	RulesCmd.PersistentFlags().StringVar(&rulesDir, "rules-dir", "./rules", "rules directory")
	RulesCmd.AddCommand(rulesValidateCmd)
	RulesCmd.AddCommand(rulesListCmd)
}
