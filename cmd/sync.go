package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/livethread/internal/logging"
	"github.com/livethread/internal/reconcile"
	"github.com/livethread/internal/render"
)

// SyncCommand returns the sync command
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one reality check of a saved page against the server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "page",
				Aliases:  []string{"p"},
				Usage:    "Server-rendered HTML snapshot `FILE`",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the reconciled HTML to `FILE` instead of stdout",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		ArgsUsage: "CONTEXT_ID",
		Action:    runSync,
	}
}

func runSync(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: CONTEXT_ID")
	}
	contextID := c.Args().Get(0)

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logging.Close()

	doc, err := loadPage(c.String("page"), contextID)
	if err != nil {
		return err
	}
	client, err := newAPIClient(cfg, logging.For("api"))
	if err != nil {
		return err
	}

	frames := render.NewManualFrames()
	renderer := render.New(doc, frames, render.Options{
		ScrollThreshold: cfg.Render.ScrollThreshold,
		UserID:          identityFrom(cfg.Server.Token, logging.For("sync")).UserID,
		Logger:          logging.For("render"),
	})
	if err := renderer.Bind(contextID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	res, err := reconcile.New(client, renderer, logging.For("reconcile")).Sync(ctx, contextID, renderer.Container())
	if err != nil {
		return err
	}
	frames.Tick()
	plan := <-res.Applied

	fmt.Fprintf(os.Stderr, "Fetched %d comments: %d kept, %d removed, %d added\n",
		res.Fetched, len(plan.Keep), len(plan.Remove), len(plan.Add))

	var out io.Writer = os.Stdout
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	return doc.Render(out)
}
