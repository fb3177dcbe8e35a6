// Command taskd runs the distributed task-worker daemon's CLI.
package main

import (
	"fmt"
	"os"

	"github.com/taskhaven/taskd/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
