// Package main is the xcal command itself.
package main

import (
	"fmt"
	"os"

	xcalcli "github.com/xromm/mocapcore/cli"
)

func main() {
	app := xcalcli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
