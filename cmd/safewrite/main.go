// Copyright (c) OpenMMLab. All rights reserved.

package main

import (
	"fmt"
	"os"

	"safewrite/pkg/client"
)

func main() {
	safewrite := client.NewSafewriteCommand()

	if err := safewrite.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
