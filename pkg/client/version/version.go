// Copyright (c) OpenMMLab. All rights reserved.

package version

import (
	"fmt"

	v "safewrite/pkg/version"

	"github.com/spf13/cobra"
)

func NewCmdVersion() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Get client version information",
		Long: `Get client version information.
Usage:
  safewrite version`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("The client version information is as follows:")
			fmt.Println(v.GetClientVersionInfo())
		},
	}
	return cmd
}
