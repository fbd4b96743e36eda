package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/livethread/internal/config"
	"github.com/livethread/internal/realtime"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Initialize a new configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "livethread.toml",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration file",
				Action: runConfigValidate,
			},
			{
				Name:   "show",
				Usage:  "Print the effective configuration",
				Action: runConfigShow,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")

	if err := config.InitConfig(outputPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Created configuration file at %s\n", outputPath)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	wsURL, err := realtime.URLFromOrigin(cfg.Server.Origin, cfg.Server.WSPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Printf("Configuration is valid (real-time endpoint %s)\n", wsURL)
	return nil
}

func runConfigShow(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	token := ""
	if cfg.Server.Token != "" {
		token = "********"
	}
	fmt.Printf("server.origin                    = %s\n", cfg.Server.Origin)
	fmt.Printf("server.ws_path                   = %s\n", cfg.Server.WSPath)
	fmt.Printf("server.token                     = %s\n", token)
	fmt.Printf("realtime.heartbeat_interval      = %s\n", cfg.Realtime.HeartbeatInterval)
	fmt.Printf("realtime.heartbeat_timeout       = %s\n", cfg.Realtime.HeartbeatTimeout)
	fmt.Printf("realtime.initial_reconnect_delay = %s\n", cfg.Realtime.InitialReconnectDelay)
	fmt.Printf("realtime.max_reconnect_delay     = %s\n", cfg.Realtime.MaxReconnectDelay)
	fmt.Printf("thread.typing_cooldown           = %s\n", cfg.Thread.TypingCooldown)
	fmt.Printf("thread.typing_max_age            = %s\n", cfg.Thread.TypingMaxAge)
	fmt.Printf("thread.typing_sweep_interval     = %s\n", cfg.Thread.TypingSweepInterval)
	fmt.Printf("thread.reality_check_interval    = %s\n", cfg.Thread.RealityCheckInterval)
	fmt.Printf("render.scroll_threshold          = %d\n", cfg.Render.ScrollThreshold)
	fmt.Printf("render.frame_interval            = %s\n", cfg.Render.FrameInterval)
	fmt.Printf("http.timeout                     = %s\n", cfg.HTTP.Timeout)
	fmt.Printf("http.max_retries                 = %d\n", cfg.HTTP.MaxRetries)
	fmt.Printf("log.level                        = %s\n", cfg.Log.Level)
	fmt.Printf("log.pretty                       = %v\n", cfg.Log.Pretty)
	return nil
}
