// Copyright (c) OpenMMLab. All rights reserved.

package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// statusReply mirrors the daemon's GET /file/status response.
type statusReply struct {
	Path            string `json:"path"`
	IsLocked        bool   `json:"is_locked"`
	QueueSize       int    `json:"queue_size"`
	CanWrite        bool   `json:"can_write"`
	EstimatedWaitMs int64  `json:"estimated_wait_ms"`
	Queue           []struct {
		LockID     string `json:"lock_id"`
		WaitTimeMs int64  `json:"wait_time_ms"`
		Priority   int    `json:"priority"`
	} `json:"queue"`
}

func NewCmdStatus() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Get lock status of a path from a running daemon",
		Long: `Query a running safewrited daemon for the lock state of a path.

Usage:
  safewrite status --path <file> --server <host:port>

Example:
  safewrite status --path out/config.yaml --server localhost:8750`,
		Run: func(cmd *cobra.Command, args []string) {
			path, _ := cmd.Flags().GetString("path")
			if path == "" {
				fmt.Println("Error: Target path must be specified")
				os.Exit(1)
			}

			server, _ := cmd.Flags().GetString("server")
			if server == "" {
				server = viper.GetString("server")
				if server == "" {
					fmt.Println("Server address not specified, using default value localhost:8750")
					server = "localhost:8750"
				}
			}

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/file/status?path=%s", server, url.QueryEscape(path)))
			if err != nil {
				fmt.Printf("Failed to reach daemon at %s: %v\n", server, err)
				os.Exit(1)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				fmt.Printf("Daemon returned status %s\n", resp.Status)
				os.Exit(1)
			}

			var reply statusReply
			if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
				fmt.Printf("Failed to decode daemon response: %v\n", err)
				os.Exit(1)
			}

			fmt.Printf("Status for %s:\n", reply.Path)
			fmt.Printf("  - Locked: %v\n", reply.IsLocked)
			fmt.Printf("  - Can write now: %v\n", reply.CanWrite)
			fmt.Printf("  - Queue size: %d\n", reply.QueueSize)
			if reply.EstimatedWaitMs > 0 {
				fmt.Printf("  - Estimated wait: %dms\n", reply.EstimatedWaitMs)
			}
			for i, entry := range reply.Queue {
				fmt.Printf("  [%d] lock %s | waited %dms | priority %d\n",
					i+1, entry.LockID, entry.WaitTimeMs, entry.Priority)
			}
		},
	}

	cmd.Flags().StringP("path", "f", "", "Target file path")
	return cmd
}
