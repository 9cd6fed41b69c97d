// Copyright (c) OpenMMLab. All rights reserved.

package batch

import (
	"context"
	"fmt"
	"os"
	"sort"

	"safewrite/pkg/client/utils"
	"safewrite/pkg/safewriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewCmdBatch() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Safely write a batch of files",
		Long: `Run every operation of a JSON manifest through the safe writer with
a bounded number of writes in flight.

Usage:
  safewrite batch --manifest <file> [--concurrency <n>] [--continue-on-error]

Example:
  safewrite batch --manifest ops.json --concurrency 4 --continue-on-error`,
		Run: func(cmd *cobra.Command, args []string) {
			manifestPath, _ := cmd.Flags().GetString("manifest")
			if manifestPath == "" {
				manifestPath = viper.GetString("manifest")
			}
			if manifestPath == "" {
				fmt.Println("Error: Manifest file path must be specified")
				os.Exit(1)
			}

			entries, err := utils.ReadManifestFromFile(manifestPath)
			if err != nil {
				fmt.Printf("Failed to read manifest file: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Loaded %d operations from %s\n", len(entries), manifestPath)

			concurrency, _ := cmd.Flags().GetInt("concurrency")
			if concurrency == 0 {
				concurrency = viper.GetInt("concurrency")
			}
			continueOnError, _ := cmd.Flags().GetBool("continue-on-error")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			ops := make([]safewriter.Operation, 0, len(entries))
			for _, entry := range entries {
				data, err := utils.LoadEntryData(entry)
				if err != nil {
					fmt.Printf("Failed to load operation data: %v\n", err)
					os.Exit(1)
				}
				ops = append(ops, safewriter.Operation{
					Path:    entry.Path,
					Data:    data,
					Options: &safewriter.WriteOptions{Priority: entry.Priority, Timeout: timeout},
				})
			}

			writer := safewriter.NewWriter(safewriter.Options{DefaultTimeout: timeout})
			defer writer.Close()

			result := writer.BatchWrite(context.Background(), ops, safewriter.BatchOptions{
				Concurrency:     concurrency,
				ContinueOnError: continueOnError,
			})

			fmt.Printf("Batch finished: %d/%d succeeded\n", result.SuccessCount, result.TotalCount)
			if result.FailureCount > 0 {
				failed := append([]safewriter.OperationResult(nil), result.Failed...)
				sort.Slice(failed, func(i, j int) bool { return failed[i].Path < failed[j].Path })
				fmt.Printf("Encountered %d errors during processing:\n", result.FailureCount)
				for _, op := range failed {
					fmt.Printf("- %s: %v\n", op.Path, op.Err)
				}
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringP("manifest", "m", "", "JSON manifest of write operations")
	cmd.Flags().IntP("concurrency", "n", 0, "Maximum writes in flight (default 4)")
	cmd.Flags().Bool("continue-on-error", false, "Keep starting operations after a failure")
	return cmd
}
