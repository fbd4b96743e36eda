package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/livethread/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "livethread",
		Usage:   "Keep a server-rendered comment thread live over a real-time channel",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default: ./livethread.toml or ~/.livethread.toml)",
			},
		},
		Commands: []*cli.Command{
			cmd.WatchCommand(),
			cmd.SyncCommand(),
			cmd.ConfigCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
