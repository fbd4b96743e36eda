package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/livethread/internal/bus"
	"github.com/livethread/internal/dom"
	"github.com/livethread/internal/logging"
)

// WatchCommand returns the watch command
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Connect to the real-time channel and keep one thread live",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "page",
				Aliases: []string{"p"},
				Usage:   "Start from the server-rendered HTML in `FILE`",
			},
			&cli.DurationFlag{
				Name:    "duration",
				Aliases: []string{"d"},
				Usage:   "Stop after this long (0 runs until interrupted)",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the final HTML to `FILE` on exit",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		ArgsUsage: "CONTEXT_ID",
		Action:    runWatch,
	}
}

func runWatch(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: CONTEXT_ID")
	}
	contextID := c.Args().Get(0)

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logging.Close()
	logger := logging.For("watch")

	doc, err := loadPage(c.String("page"), contextID)
	if err != nil {
		return err
	}

	s, err := newSession(cfg, doc)
	if err != nil {
		return err
	}
	defer s.close()

	bus.On(s.bus, func(n bus.Notice) {
		logger.Info().Str("level", n.Level).Str("title", n.Title).Msg(n.Body)
	})
	bus.On(s.bus, func(e bus.StatusChanged) {
		logger.Info().Str("status", e.Status).Msg("connection status")
	})
	bus.On(s.bus, func(e bus.CommentAdded) {
		logger.Info().Str("context", e.ContextID).Str("comment", e.Comment.ID).Str("author", e.Comment.AuthorName).Msg(e.Comment.Content)
	})
	doc.AddEventListener("notifications.refresh", func(ev dom.CustomEvent) {
		logger.Debug().RawJSON("detail", ev.Detail).Msg("notifications refresh requested")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := c.Duration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	s.manager.Connect()

	activateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = s.thread.Activate(activateCtx, contextID)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to activate thread: %w", err)
	}

	logger.Info().Str("context", contextID).Msg("watching thread, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	if out := c.String("output"); out != "" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		if err := doc.Render(f); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	return nil
}
