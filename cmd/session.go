package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/livethread/internal/api"
	"github.com/livethread/internal/auth"
	"github.com/livethread/internal/bus"
	"github.com/livethread/internal/chat"
	"github.com/livethread/internal/config"
	"github.com/livethread/internal/conversation"
	"github.com/livethread/internal/dom"
	"github.com/livethread/internal/logging"
	"github.com/livethread/internal/notify"
	"github.com/livethread/internal/realtime"
	"github.com/livethread/internal/render"
	"github.com/livethread/internal/router"
)

// loadConfig loads and validates the configuration and sets up logging.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.Log.Level
	if c.Bool("verbose") {
		level = "debug"
	}
	if err := logging.Setup(logging.Options{Level: level, Pretty: cfg.Log.Pretty, File: cfg.Log.File}, os.Stderr); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, nil
}

// loadPage parses an HTML snapshot, or builds an empty thread page for contextID.
func loadPage(path, contextID string) (*dom.Document, error) {
	if path == "" {
		page := fmt.Sprintf(`<span id="%s"></span>
<div id="%s"></div>
<span id="%s" class="hidden"></span>
<span id="%s" class="hidden">0</span>`,
			render.DefaultStatusElementID,
			render.ContainerID(contextID),
			render.IndicatorID(contextID),
			render.BadgeID(contextID))
		return dom.Parse(strings.NewReader(page))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	defer f.Close()
	return dom.Parse(f)
}

func identityFrom(token string, logger zerolog.Logger) conversation.Identity {
	if token == "" {
		return conversation.Identity{}
	}
	id, err := auth.ParseIdentity(token)
	if err != nil {
		logger.Warn().Err(err).Msg("could not read the user from the session token")
		return conversation.Identity{}
	}
	return id
}

func newAPIClient(cfg *config.Config, logger zerolog.Logger) (*api.Client, error) {
	maxRetries := cfg.HTTP.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	return api.New(api.Config{
		BaseURL:    cfg.Server.Origin,
		Token:      cfg.Server.Token,
		Timeout:    cfg.HTTP.Timeout,
		MaxRetries: maxRetries,
	}, logger)
}

// session wires every client component around one document.
type session struct {
	bus      *bus.Bus
	doc      *dom.Document
	manager  *realtime.Manager
	router   *router.Router
	notifier *notify.Notifier
	renderer *render.Renderer
	status   *render.StatusDot
	thread   *chat.Thread
	identity conversation.Identity
}

func newSession(cfg *config.Config, doc *dom.Document) (*session, error) {
	logger := logging.For("session")
	clk := clock.New()

	client, err := newAPIClient(cfg, logging.For("api"))
	if err != nil {
		return nil, err
	}

	wsURL, err := realtime.URLFromOrigin(cfg.Server.Origin, cfg.Server.WSPath)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if cfg.Server.Token != "" {
		header.Set("Cookie", (&http.Cookie{Name: api.SessionCookie, Value: cfg.Server.Token}).String())
	}

	s := &session{
		bus:      bus.New(logging.For("bus")),
		doc:      doc,
		identity: identityFrom(cfg.Server.Token, logger),
	}

	s.manager = realtime.NewManager(realtime.Settings{
		URL:                   wsURL,
		HeartbeatInterval:     cfg.Realtime.HeartbeatInterval,
		HeartbeatTimeout:      cfg.Realtime.HeartbeatTimeout,
		InitialReconnectDelay: cfg.Realtime.InitialReconnectDelay,
		MaxReconnectDelay:     cfg.Realtime.MaxReconnectDelay,
	}, realtime.DefaultGorillaDialer(header), s.bus,
		realtime.WithClock(clk),
		realtime.WithLogger(logging.For("WS")))

	s.router = router.New(s.bus, doc, logging.For("router"))
	s.notifier = notify.New(s.bus, s.identity, doc, logging.For("notify"))

	s.renderer = render.New(doc, render.NewClockFrames(clk, cfg.Render.FrameInterval), render.Options{
		ScrollThreshold: cfg.Render.ScrollThreshold,
		UserID:          s.identity.UserID,
		Logger:          logging.For("render"),
	})
	s.status = render.NewStatusDot(s.renderer, s.bus, render.DefaultStatusElementID)

	s.thread = chat.NewThread(chat.Deps{
		Bus:      s.bus,
		Renderer: s.renderer,
		Backend:  client,
		Sender:   s.manager,
		Identity: s.identity,
		Clock:    clk,
		Settings: chat.Settings{
			TypingCooldown:       cfg.Thread.TypingCooldown,
			TypingMaxAge:         cfg.Thread.TypingMaxAge,
			TypingSweepInterval:  cfg.Thread.TypingSweepInterval,
			RealityCheckInterval: cfg.Thread.RealityCheckInterval,
		},
		Logger: logging.For("chat"),
	})

	s.router.Start()
	s.notifier.Start()
	s.thread.Start()
	return s, nil
}

func (s *session) close() {
	s.thread.Stop()
	s.notifier.Stop()
	s.router.Stop()
	s.status.Stop()
	s.manager.Shutdown()
}
