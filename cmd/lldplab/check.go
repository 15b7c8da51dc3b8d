package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.universe.tf/lldplab"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that this host can run the lab",
	Args:  cobra.NoArgs,
	RunE:  check,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func check(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	if _, err := loadScenario(cfg.Scenario.Path); err != nil {
		return report(logger, err)
	}
	info, err := lldplab.Check(cmd.Context(), cfg)
	if err != nil {
		return report(logger, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "kernel %s (%s) is usable\n  modules: %s\n  config:  %s\n", info.Version, info.Path, info.ModuleDir, info.Config)
	return nil
}
