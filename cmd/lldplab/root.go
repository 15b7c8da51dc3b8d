package main

import (
	"github.com/spf13/cobra"
)

var rootFlags = struct {
	config string
	kernel string
}{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "lldplab",
	Short:         "Run lldpd integration tests in a virtual network",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.config, "config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().StringVarP(&rootFlags.kernel, "kernel", "k", "", "kernel image to boot the VMs with")
}
