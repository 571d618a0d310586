// cmd/quanta is the command-line entry point for quanta, a simulated Sv39
// RISC-V supervisor core.
package main

import (
	"context"
	"os"

	"github.com/quanta-os/quanta/internal/cli"
	"github.com/quanta-os/quanta/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Boot(),
	cmd.Mkfs(),
}

func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
