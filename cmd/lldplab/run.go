package main

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"go.universe.tf/lldplab"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scenario and compare its output with the baseline",
	Args:  cobra.NoArgs,
	RunE:  run,
}

var runFlags = struct {
	output         string
	baseline       string
	scenario       string
	updateBaseline bool
	noKVM          bool
	keep           bool
}{}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runFlags.output, "output", "o", "", "directory receiving the collected outputs")
	runCmd.Flags().StringVar(&runFlags.baseline, "baseline", "", "expected output to compare with")
	runCmd.Flags().StringVar(&runFlags.scenario, "scenario", "", "scenario file to run instead of the built-in one")
	runCmd.Flags().BoolVar(&runFlags.updateBaseline, "update-baseline", false, "write the output as the new baseline instead of comparing")
	runCmd.Flags().BoolVar(&runFlags.noKVM, "no-kvm", false, "run VMs without hardware acceleration")
	runCmd.Flags().BoolVar(&runFlags.keep, "keep", false, "keep the workspace after the run")
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runFlags.output != "" {
		cfg.OutputDir = runFlags.output
	}
	if runFlags.baseline != "" {
		cfg.Baseline = runFlags.baseline
	}
	if runFlags.scenario != "" {
		cfg.Scenario.Path = runFlags.scenario
	}
	if runFlags.noKVM {
		cfg.KVM = false
	}
	if runFlags.keep {
		cfg.Keep = true
	}

	logger := newLogger(cfg.Log)
	s, err := loadScenario(cfg.Scenario.Path)
	if err != nil {
		return report(logger, err)
	}

	ctx, stop := signalContext()
	defer stop()

	runID := uuid.NewString()
	logger.Info("starting lab", "run_id", runID, "scenario", s.Name, "vms", len(s.Topology))
	err = lldplab.Run(ctx, lldplab.Options{
		Config:         cfg,
		Scenario:       s,
		UpdateBaseline: runFlags.updateBaseline,
		RunID:          runID,
		Logger:         logger,
	})
	if err != nil {
		return report(logger, err)
	}
	logger.Info("lab run succeeded", "run_id", runID)
	return nil
}
