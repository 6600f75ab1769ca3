// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package main

import (
	"fmt"
	"os"

	"github.com/jsam/fuseline/internal/cli"
)

func main() {
	rootCmd := cli.NewWorkerRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
