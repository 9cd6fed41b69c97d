// Copyright (c) OpenMMLab. All rights reserved.

package client

import (
	"fmt"

	"safewrite/pkg/client/batch"
	"safewrite/pkg/client/status"
	"safewrite/pkg/client/version"
	"safewrite/pkg/client/write"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// readConfig reads parameters from the configuration file
func readConfig(configPath string) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("safewrite")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	err := viper.ReadInConfig()
	if err != nil {
		fmt.Printf("Error reading configuration file: Using default values or user-specified values\n")
	}
}

func NewSafewriteCommand() *cobra.Command {
	var configPath string

	// Create root command
	cmds := &cobra.Command{
		Use:   "safewrite",
		Short: "Command line tool",
		Long: `Concurrency-safe file persistence tool.
Usage:
  safewrite [subcommand] [parameters]

Example:
  safewrite batch --manifest ops.json --concurrency 4`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			readConfig(configPath)
		},
	}

	// Disable auto-completion command
	cmds.CompletionOptions.DisableDefaultCmd = true

	// Add global flags
	cmds.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Specify the path to the configuration file")
	cmds.PersistentFlags().StringP("server", "s", "", "Address of a running safewrited daemon (host:port)")
	cmds.PersistentFlags().DurationP("timeout", "t", 0, "Lock wait timeout per write")
	cmds.PersistentFlags().IntP("priority", "P", 0, "Lock priority, higher is served first")

	// Add subcommands directly to the root command
	cmds.AddCommand(
		write.NewCmdWrite(),
		batch.NewCmdBatch(),
		status.NewCmdStatus(),
		version.NewCmdVersion(),
	)

	return cmds
}
