package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2026 rackkey contributors
 */

import (
	"os"

	"github.com/rackkey/rackkey/pkg/cli"
)

func main() {

	cli.InitializeCommands()

	err := cli.RootCommand.Execute()

	if err != nil {
		os.Exit(1)
	}
}
