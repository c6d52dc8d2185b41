// Package app builds the quik-go command line application.
package app

import (
	"fmt"
	"os"
	"runtime"

	"github.com/alexveden/quik-go/cli/terminal"
	"github.com/alexveden/quik-go/pkg/config"
	"github.com/urfave/cli"
)

func versionPrinter(c *cli.Context) {
	_, _ = fmt.Fprintf(c.App.Writer, "quik-go\nVersion: %s\nGoVersion: %s\n",
		config.Version,
		runtime.Version(),
	)
}

// New creates a quik-go instance of [cli.App] with all commands included.
func New() *cli.App {
	cli.VersionPrinter = versionPrinter
	ctl := cli.NewApp()
	ctl.Name = "quik-go"
	ctl.Version = config.Version
	ctl.Usage = "Go client for the QUIK terminal quik-lua-rpc bridge"
	ctl.ErrWriter = os.Stdout

	ctl.Commands = append(ctl.Commands, terminal.NewCommands()...)
	return ctl
}
