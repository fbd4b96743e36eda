package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/livethread/internal/bus"
	"github.com/livethread/internal/retry"
)

// ErrNotConnected is returned by Send when no connection is open.
var ErrNotConnected = errors.New("realtime: not connected")

// Settings configures one Manager.
type Settings struct {
	URL                   string
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
}

// DefaultSettings returns the stock heartbeat and backoff timings for url.
func DefaultSettings(url string) Settings {
	return Settings{
		URL:                   url,
		HeartbeatInterval:     25 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
		InitialReconnectDelay: 1 * time.Second,
		MaxReconnectDelay:     30 * time.Second,
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the manager's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager owns the single real-time connection: dialing, heartbeat,
// reconnection with exponential backoff, and publishing what it reads.
//
// Every asynchronous callback carries the connection generation it was
// started for and does nothing once that generation is superseded.
type Manager struct {
	settings Settings
	dialer   Dialer
	bus      *bus.Bus
	clock    clock.Clock
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	status           string
	conn             Conn
	gen              uint64
	connecting       bool
	retries          int
	explicitlyClosed bool
	explicitCode     int
	explicitReason   string

	heartbeatTimer *clock.Timer
	ackTimer       *clock.Timer
	ackSeq         uint64
	forcedClose    bool
	reconnectTimer *clock.Timer
	reconnectSeq   uint64
}

// NewManager returns an idle manager. Nothing is dialed until Connect.
func NewManager(settings Settings, dialer Dialer, b *bus.Bus, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		settings: settings,
		dialer:   dialer,
		bus:      b,
		clock:    clock.New(),
		logger:   zerolog.Nop(),
		ctx:      ctx,
		cancel:   cancel,
		status:   bus.StatusPending,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) emit(events []bus.Event) {
	for _, e := range events {
		m.bus.Publish(e)
	}
}

func (m *Manager) setStatusLocked(status string, events []bus.Event) []bus.Event {
	m.status = status
	return append(events, bus.StatusChanged{Status: status})
}

// Connect starts a connection unless one is already open or being dialed.
// It re-enables reconnection after an explicit Close.
func (m *Manager) Connect() {
	m.mu.Lock()
	m.explicitlyClosed = false
	events := m.connectLocked(nil)
	m.mu.Unlock()
	m.emit(events)
}

// GetConnection returns the current connection, starting one if there is
// none. The result is nil while a dial is still in flight.
func (m *Manager) GetConnection() Conn {
	m.mu.Lock()
	m.explicitlyClosed = false
	events := m.connectLocked(nil)
	conn := m.conn
	m.mu.Unlock()
	m.emit(events)
	return conn
}

func (m *Manager) connectLocked(events []bus.Event) []bus.Event {
	if m.explicitlyClosed {
		m.logger.Info().Msg("connection closed explicitly, not reconnecting")
		return events
	}
	if m.connecting || m.conn != nil {
		return events
	}

	m.stopReconnectLocked()
	m.stopHeartbeatLocked()

	m.gen++
	gen := m.gen
	m.connecting = true
	m.forcedClose = false

	m.logger.Info().Str("url", m.settings.URL).Int("attempt", m.retries+1).Msg("connecting")
	events = m.setStatusLocked(bus.StatusConnecting, events)
	events = append(events, bus.ConnConnecting{Attempt: m.retries + 1})

	m.wg.Add(1)
	go m.run(gen)
	return events
}

// run dials and then reads until the connection ends.
func (m *Manager) run(gen uint64) {
	defer m.wg.Done()

	conn, err := m.dialer.Dial(m.ctx, m.settings.URL)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close(CloseNormal, "superseded")
		}
		return
	}
	m.connecting = false

	if err != nil {
		events := m.dialFailedLocked(err)
		m.mu.Unlock()
		m.emit(events)
		return
	}

	reconnected := m.retries > 0
	m.conn = conn
	m.retries = 0
	events := m.setStatusLocked(bus.StatusOpen, nil)
	events = append(events, bus.ConnOpened{Reconnected: reconnected})
	if reconnected {
		events = append(events, bus.Notice{
			Level: bus.LevelSuccess,
			Title: "Connection restored",
			Body:  "The real-time connection is active again.",
		})
	}
	m.scheduleHeartbeatLocked(gen)
	m.mu.Unlock()

	m.logger.Info().Bool("reconnected", reconnected).Msg("connection established")
	m.emit(events)

	m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		m.handleMessage(gen, data)
	}
}

func (m *Manager) dialFailedLocked(err error) []bus.Event {
	m.logger.Error().Err(err).Msg("unable to establish connection")

	events := m.setStatusLocked(bus.StatusError, nil)
	events = append(events, bus.ConnError{Err: err, Message: "Unable to establish the real-time connection."})

	if m.explicitlyClosed {
		return events
	}

	m.retries++
	delay := m.delayLocked()
	m.logger.Info().Int("retries", m.retries).Dur("delay", delay).Msg("reconnecting after connection error")

	events = m.setStatusLocked(bus.StatusReconnecting, events)
	events = append(events, bus.ConnReconnecting{Retries: m.retries, Delay: delay, Reason: "connection error"})
	if m.retries > 1 {
		events = append(events, bus.Notice{
			Level:    bus.LevelError,
			Title:    "Connection error",
			Body:     fmt.Sprintf("Unable to connect. Retrying (%d), next attempt in %s.", m.retries, delay),
			Duration: noticeDuration(delay),
		})
	}
	m.scheduleReconnectLocked(delay)
	return events
}

func (m *Manager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	m.stopHeartbeatLocked()
	m.conn = nil

	code, reason, wasClean := CloseAbnormal, err.Error(), false
	var ce *CloseError
	if errors.As(err, &ce) {
		code, reason, wasClean = ce.Code, ce.Reason, true
	} else if m.explicitlyClosed {
		code, reason, wasClean = m.explicitCode, m.explicitReason, true
	}

	m.logger.Warn().Int("code", code).Str("reason", reason).Bool("was_clean", wasClean).Msg("connection closed")
	events := []bus.Event{bus.ConnClosed{Retries: m.retries, Code: code, Reason: reason, WasClean: wasClean}}

	if m.explicitlyClosed || code == CloseNormal || code == CloseGoingAway {
		status := bus.StatusClosedExplicitly
		if code == CloseNormal || code == CloseGoingAway {
			status = bus.StatusClosedCleanly
		}
		m.logger.Info().Str("status", status).Msg("clean or explicit close, not reconnecting")
		events = m.setStatusLocked(status, events)
		m.mu.Unlock()
		m.emit(events)
		return
	}

	events = m.setStatusLocked(bus.StatusClosedUnexpectedly, events)

	m.retries++
	delay := m.delayLocked()
	m.logger.Info().Int("retries", m.retries).Dur("delay", delay).Msg("reconnecting")

	events = m.setStatusLocked(bus.StatusReconnecting, events)
	events = append(events, bus.ConnReconnecting{Retries: m.retries, Delay: delay, Code: code, Reason: reason})
	if m.retries > 1 {
		events = append(events, bus.Notice{
			Level:    bus.LevelWarning,
			Title:    "Connection lost",
			Body:     fmt.Sprintf("Reconnecting (%d), next attempt in %s.", m.retries, delay),
			Duration: noticeDuration(delay),
		})
	}
	m.scheduleReconnectLocked(delay)
	m.mu.Unlock()
	m.emit(events)
}

func (m *Manager) handleMessage(gen uint64, data []byte) {
	var frame bus.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.logger.Debug().Err(err).Int("bytes", len(data)).Msg("ignoring malformed frame")
		return
	}

	if frame.Type == "heartbeat" && frame.Status == "acknowledged" {
		m.mu.Lock()
		if gen == m.gen && m.ackTimer != nil {
			m.ackTimer.Stop()
			m.ackTimer = nil
			m.ackSeq++
		}
		m.mu.Unlock()
		m.logger.Debug().Msg("heartbeat acknowledged")
		return
	}

	m.mu.Lock()
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		return
	}

	if frame.Type == "error" || frame.Status == "error" {
		serverErr := decodeServerError(frame)
		m.logger.Error().Str("title", serverErr.Title).Str("message", serverErr.Message).Msg("server reported an error")
		m.bus.Publish(serverErr)
		m.bus.Publish(bus.Notice{Level: bus.LevelError, Title: serverErr.Title, Body: serverErr.Message})
		return
	}

	m.bus.Publish(bus.FrameReceived{Frame: frame})
}

func decodeServerError(frame bus.Frame) bus.ServerError {
	out := bus.ServerError{
		Title:   "Server error",
		Message: "Unknown error received from the server.",
		Details: frame.Payload(),
	}

	var data struct {
		Title   string          `json:"title"`
		Message string          `json:"message"`
		Code    json.RawMessage `json:"code"`
	}
	if len(frame.Data) > 0 && json.Unmarshal(frame.Data, &data) == nil {
		if data.Title != "" {
			out.Title = data.Title
		}
		if data.Message != "" {
			out.Message = data.Message
		}
		out.Code = strings.Trim(string(data.Code), `"`)
	}
	if data.Message == "" {
		var msg string
		if len(frame.Message) > 0 && json.Unmarshal(frame.Message, &msg) == nil && msg != "" {
			out.Message = msg
		}
	}
	return out
}

func (m *Manager) delayLocked() time.Duration {
	return retry.ExponentialDelay(m.settings.InitialReconnectDelay, m.settings.MaxReconnectDelay, m.retries)
}

// noticeDuration keeps a reconnect notice up for most of a long wait.
func noticeDuration(delay time.Duration) time.Duration {
	if delay > 5*time.Second {
		return delay - time.Second
	}
	return 5 * time.Second
}

func (m *Manager) scheduleReconnectLocked(delay time.Duration) {
	m.stopReconnectLocked()
	seq := m.reconnectSeq
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		if seq != m.reconnectSeq {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		events := m.connectLocked(nil)
		m.mu.Unlock()
		m.emit(events)
	})
}

func (m *Manager) stopReconnectLocked() {
	m.reconnectSeq++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) scheduleHeartbeatLocked(gen uint64) {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
	}
	m.heartbeatTimer = m.clock.AfterFunc(m.settings.HeartbeatInterval, func() {
		m.sendHeartbeat(gen)
	})
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
	m.ackSeq++
}

func (m *Manager) sendHeartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil || m.forcedClose {
		m.mu.Unlock()
		m.logger.Debug().Msg("heartbeat skipped, connection not open")
		return
	}
	conn := m.conn
	m.scheduleHeartbeatLocked(gen)

	if m.ackTimer != nil {
		m.ackTimer.Stop()
	}
	m.ackSeq++
	seq := m.ackSeq
	m.ackTimer = m.clock.AfterFunc(m.settings.HeartbeatTimeout, func() {
		m.heartbeatTimedOut(gen, seq)
	})
	now := m.clock.Now()
	m.mu.Unlock()

	data, _ := json.Marshal(bus.Frame{Type: "heartbeat", Timestamp: now.UnixMilli()})
	m.logger.Debug().Msg("sending heartbeat")
	if err := conn.WriteMessage(data); err != nil {
		m.logger.Debug().Err(err).Msg("heartbeat write failed")
	}
}

func (m *Manager) heartbeatTimedOut(gen, seq uint64) {
	m.mu.Lock()
	if gen != m.gen || seq != m.ackSeq || m.conn == nil || m.forcedClose {
		m.mu.Unlock()
		return
	}
	m.forcedClose = true
	m.ackTimer = nil
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	conn := m.conn
	m.mu.Unlock()

	m.logger.Warn().Dur("timeout", m.settings.HeartbeatTimeout).Msg("heartbeat not acknowledged, closing connection")
	conn.Close(CloseHeartbeatTimeout, "heartbeat timeout")
}

// Send encodes v as JSON and writes it on the open connection.
func (m *Manager) Send(v interface{}) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close shuts the connection down on request. No reconnect follows until
// Connect or GetConnection is called again.
func (m *Manager) Close(code int, reason string) {
	m.mu.Lock()
	m.explicitlyClosed = true
	m.explicitCode = code
	m.explicitReason = reason
	m.stopReconnectLocked()
	m.stopHeartbeatLocked()

	if conn := m.conn; conn != nil {
		m.mu.Unlock()
		m.logger.Info().Int("code", code).Str("reason", reason).Msg("closing connection")
		conn.Close(code, reason)
		return
	}

	m.logger.Info().Msg("no open connection to close")
	var events []bus.Event
	if m.connecting {
		// the dial in flight becomes stale and closes its own result
		m.gen++
		m.connecting = false
	}
	if m.status != bus.StatusClosedExplicitly && m.status != bus.StatusClosedCleanly {
		events = m.setStatusLocked(bus.StatusClosedExplicitly, events)
	}
	m.mu.Unlock()
	m.emit(events)
}

// Shutdown closes the connection and waits for the background goroutine.
func (m *Manager) Shutdown() {
	m.Close(CloseNormal, "shutdown")
	m.cancel()
	m.wg.Wait()
}

// Status returns the current connection status.
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Retries counts reconnect attempts since the last successful open.
func (m *Manager) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}
