package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/livethread/internal/api"
	"github.com/livethread/internal/bus"
	"github.com/livethread/internal/conversation"
	"github.com/livethread/internal/reconcile"
	"github.com/livethread/internal/router"
)

// Backend is the HTTP collaborator that owns comments.
type Backend interface {
	ListComments(ctx context.Context, contextID string) ([]conversation.Comment, error)
	Stats(ctx context.Context, contextID string) (conversation.Stats, error)
	CreateComment(ctx context.Context, contextID, content, parentID string, mentions []string) (conversation.Comment, error)
	DeleteComment(ctx context.Context, commentID string) error
	ToggleLike(ctx context.Context, commentID string) (conversation.LikeResult, error)
}

// Sender writes an outbound frame on the real-time channel.
type Sender interface {
	Send(v interface{}) error
}

// Renderer is what the thread needs from render.Renderer.
type Renderer interface {
	reconcile.Renderer
	Bind(contextID string) error
	Unbind()
	Container() *html.Node
	AddComment(c conversation.Comment)
	RemoveComment(id string)
	UpdateLikes(id string, count int, mine bool)
	SetTyping(names []string)
	SetBadge(total int)
}

// Settings are the thread timings.
type Settings struct {
	TypingCooldown       time.Duration
	TypingMaxAge         time.Duration
	TypingSweepInterval  time.Duration
	RealityCheckInterval time.Duration
}

// DefaultSettings returns the stock typing and reality-check timings.
func DefaultSettings() Settings {
	return Settings{
		TypingCooldown:       time.Second,
		TypingMaxAge:         3 * time.Second,
		TypingSweepInterval:  4 * time.Second,
		RealityCheckInterval: 60 * time.Second,
	}
}

// Deps are the collaborators of a Thread. Store, Clock and Settings may be left zero.
type Deps struct {
	Bus      *bus.Bus
	Store    *Store
	Renderer Renderer
	Backend  Backend
	Sender   Sender
	Identity conversation.Identity
	Clock    clock.Clock
	Settings Settings
	Logger   zerolog.Logger
}

// noticeDuration is how long failure notices stay up.
const noticeDuration = 5 * time.Second

var mentionPattern = regexp.MustCompile(`(?:^|\s)@([A-Za-z0-9_.\-]+)`)

// Thread decides which context is active. Every handler checks the event's
// context against it, so events for a torn-down thread do nothing.
type Thread struct {
	bus        *bus.Bus
	store      *Store
	renderer   Renderer
	backend    Backend
	sender     Sender
	identity   conversation.Identity
	clock      clock.Clock
	settings   Settings
	logger     zerolog.Logger
	reconciler *reconcile.Reconciler

	subMu sync.Mutex
	subs  []bus.Subscription

	mu      sync.Mutex
	active  string
	gen     uint64
	runCtx  context.Context
	cancel  context.CancelFunc
	tickers []*clock.Ticker
	typing  *rate.Limiter
	wg      sync.WaitGroup
}

// NewThread wires a thread manager. Call Start before Activate.
func NewThread(deps Deps) *Thread {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	def := DefaultSettings()
	if deps.Settings.TypingCooldown <= 0 {
		deps.Settings.TypingCooldown = def.TypingCooldown
	}
	if deps.Settings.TypingMaxAge <= 0 {
		deps.Settings.TypingMaxAge = def.TypingMaxAge
	}
	if deps.Settings.TypingSweepInterval <= 0 {
		deps.Settings.TypingSweepInterval = def.TypingSweepInterval
	}
	if deps.Settings.RealityCheckInterval <= 0 {
		deps.Settings.RealityCheckInterval = def.RealityCheckInterval
	}
	if deps.Store == nil {
		deps.Store = NewStore(deps.Clock, deps.Settings.TypingCooldown)
	}

	t := &Thread{
		bus:      deps.Bus,
		store:    deps.Store,
		renderer: deps.Renderer,
		backend:  deps.Backend,
		sender:   deps.Sender,
		identity: deps.Identity,
		clock:    deps.Clock,
		settings: deps.Settings,
		logger:   deps.Logger,
	}
	t.reconciler = reconcile.New(snapshotSource{t}, deps.Renderer, deps.Logger)
	return t
}

// snapshotSource feeds the reconciler and refreshes the store with what it fetched.
type snapshotSource struct{ t *Thread }

func (s snapshotSource) ListComments(ctx context.Context, contextID string) ([]conversation.Comment, error) {
	comments, err := s.t.backend.ListComments(ctx, contextID)
	if err != nil {
		return nil, err
	}
	s.t.store.Replace(contextID, comments)
	return comments, nil
}

// Start subscribes the thread's handlers. Calling it twice is harmless.
func (t *Thread) Start() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	if t.subs != nil {
		return
	}
	t.subs = []bus.Subscription{
		bus.On(t.bus, t.onCommentAdded),
		bus.On(t.bus, t.onCommentRemoved),
		bus.On(t.bus, t.onReactionUpdated),
		bus.On(t.bus, t.onTypingChanged),
		bus.On(t.bus, t.onThreadChanged),
		bus.On(t.bus, t.onStatsChanged),
		bus.On(t.bus, t.onConnOpened),
	}
}

// Stop destroys the active thread, unsubscribes and waits for background work.
func (t *Thread) Stop() {
	t.Destroy("stopped")
	t.subMu.Lock()
	for _, sub := range t.subs {
		t.bus.Unsubscribe(sub)
	}
	t.subs = nil
	t.subMu.Unlock()
	t.wg.Wait()
}

// Active returns the active context id, or "".
func (t *Thread) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Thread) current() (string, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active, t.gen
}

func (t *Thread) isCurrent(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != "" && t.gen == gen
}

func (t *Thread) isActive(contextID string) bool {
	return contextID != "" && t.Active() == contextID
}

// Activate makes contextID the active thread, tearing down the previous one,
// and runs a first reality check. A missing container leaves nothing active.
func (t *Thread) Activate(ctx context.Context, contextID string) error {
	if contextID == "" {
		return ErrNoContext
	}
	if prev := t.Active(); prev != "" {
		t.Destroy("switched to " + contextID)
	}

	if err := t.store.Activate(contextID, nil); err != nil {
		return err
	}
	if err := t.renderer.Bind(contextID); err != nil {
		t.store.Reset()
		return fmt.Errorf("activate %s: %w", contextID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.active = contextID
	t.gen++
	gen := t.gen
	t.runCtx = runCtx
	t.cancel = cancel
	t.typing = rate.NewLimiter(rate.Every(t.settings.TypingCooldown), 1)
	sweep := t.clock.Ticker(t.settings.TypingSweepInterval)
	check := t.clock.Ticker(t.settings.RealityCheckInterval)
	t.tickers = []*clock.Ticker{sweep, check}
	t.wg.Add(1)
	t.mu.Unlock()

	go t.tick(runCtx, gen, sweep, check)

	t.logger.Info().Str("context", contextID).Msg("thread activated")
	t.bus.Publish(bus.ThreadActivated{ContextID: contextID})

	if err := t.resync(ctx, contextID, gen); err != nil {
		t.logger.Warn().Err(err).Str("context", contextID).Msg("initial sync failed, waiting for the next reality check")
	}
	return nil
}

func (t *Thread) tick(ctx context.Context, gen uint64, sweep, check *clock.Ticker) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if !t.isCurrent(gen) {
				return
			}
			if removed := t.store.SweepTyping(t.settings.TypingMaxAge); len(removed) > 0 {
				t.renderer.SetTyping(t.store.TypingUsers())
			}
		case <-check.C:
			id, cur := t.current()
			if cur != gen {
				return
			}
			if err := t.resync(ctx, id, gen); err != nil {
				t.logger.Debug().Err(err).Str("context", id).Msg("periodic reality check failed")
			}
		}
	}
}

// Destroy tears the active thread down. Timers stop, the renderer unbinds
// and the store forgets the context.
func (t *Thread) Destroy(reason string) {
	t.mu.Lock()
	id := t.active
	if id == "" {
		t.mu.Unlock()
		return
	}
	t.active = ""
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
		t.runCtx = nil
	}
	for _, tk := range t.tickers {
		tk.Stop()
	}
	t.tickers = nil
	t.typing = nil
	t.mu.Unlock()

	t.renderer.Unbind()
	t.store.Reset()
	t.logger.Info().Str("context", id).Str("reason", reason).Msg("thread destroyed")
	t.bus.Publish(bus.ThreadDestroyed{ContextID: id, Reason: reason})
}

// Resync runs a reality check and refreshes the badge for the active thread.
func (t *Thread) Resync(ctx context.Context) error {
	id, gen := t.current()
	if id == "" {
		return ErrNoContext
	}
	return t.resync(ctx, id, gen)
}

func (t *Thread) resync(ctx context.Context, contextID string, gen uint64) error {
	var errs []error
	if _, err := t.reconciler.Sync(ctx, contextID, t.renderer.Container()); err != nil {
		errs = append(errs, err)
	}
	if err := t.loadStats(ctx, contextID, gen); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (t *Thread) loadStats(ctx context.Context, contextID string, gen uint64) error {
	stats, err := t.backend.Stats(ctx, contextID)
	if err != nil {
		return err
	}
	if !t.isCurrent(gen) {
		return nil
	}
	t.renderer.SetBadge(stats.Comments)
	return nil
}

// background runs fn for the active generation. Destroy cancels it.
func (t *Thread) background(what string, fn func(ctx context.Context, contextID string, gen uint64) error) {
	t.mu.Lock()
	id, gen, ctx := t.active, t.gen, t.runCtx
	if id == "" || ctx == nil {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		if !t.isCurrent(gen) {
			return
		}
		if err := fn(ctx, id, gen); err != nil {
			t.logger.Debug().Err(err).Str("context", id).Str("what", what).Msg("background refresh failed")
		}
	}()
}

func (t *Thread) badge(total *int) {
	if total != nil {
		t.renderer.SetBadge(*total)
		return
	}
	t.renderer.SetBadge(t.store.Len())
}

func (t *Thread) onCommentAdded(e bus.CommentAdded) {
	if !t.isActive(e.ContextID) {
		return
	}
	// a reality check may already have stored it; the renderer skips existing nodes
	t.store.AddComment(e.Comment)
	t.renderer.AddComment(e.Comment)
	t.badge(e.Total)
}

func (t *Thread) onCommentRemoved(e bus.CommentRemoved) {
	if !t.isActive(e.ContextID) {
		return
	}
	t.store.RemoveComment(e.CommentID)
	t.renderer.RemoveComment(e.CommentID)
	t.badge(e.Total)
}

func (t *Thread) onReactionUpdated(e bus.ReactionUpdated) {
	if !t.isActive(e.ContextID) {
		return
	}
	t.store.UpdateLikes(e.CommentID, e.Likers, e.Likes)
	t.renderer.UpdateLikes(e.CommentID, e.Likes, t.mine(e.Likers))
}

func (t *Thread) mine(likers []string) bool {
	if t.identity.UserID == "" {
		return false
	}
	for _, id := range likers {
		if id == t.identity.UserID {
			return true
		}
	}
	return false
}

func (t *Thread) onTypingChanged(e bus.TypingChanged) {
	if !t.isActive(e.ContextID) || e.UserID == t.identity.UserID {
		return
	}
	if t.store.SetTyping(e.UserID, e.UserName, e.IsTyping) {
		t.renderer.SetTyping(t.store.TypingUsers())
	}
}

func (t *Thread) onThreadChanged(e bus.ThreadChanged) {
	if !t.isActive(e.ContextID) {
		return
	}
	t.logger.Debug().Str("context", e.ContextID).Str("action", e.Action).Str("comment", e.CommentID).Msg("thread changed, resyncing")
	t.background("thread changed", t.resync)
}

func (t *Thread) onStatsChanged(e bus.StatsChanged) {
	if !t.isActive(e.ContextID) {
		return
	}
	t.background("stats changed", t.loadStats)
}

func (t *Thread) onConnOpened(e bus.ConnOpened) {
	if !e.Reconnected {
		return
	}
	t.background("reconnected", t.resync)
}

func (t *Thread) notice(title string, err error) {
	body := err.Error()
	var se *api.StatusError
	if errors.As(err, &se) && se.Redirect != "" {
		title = "Session expired"
		body = "Sign in again to continue."
	}
	t.bus.Publish(bus.Notice{Level: bus.LevelError, Title: title, Body: body, Duration: noticeDuration})
}

// Mentions extracts @handles from content, without duplicates.
func Mentions(content string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Send posts a comment and shows it right away. The broadcast that follows
// finds it already rendered.
func (t *Thread) Send(ctx context.Context, content, parentID string) (conversation.Comment, error) {
	id, gen := t.current()
	if id == "" {
		return conversation.Comment{}, ErrNoContext
	}

	c, err := t.backend.CreateComment(ctx, id, content, parentID, Mentions(content))
	if err != nil {
		t.logger.Error().Err(err).Str("context", id).Msg("failed to post comment")
		t.notice("Could not post comment", err)
		return conversation.Comment{}, err
	}
	if c.AuthorID == "" {
		c.AuthorID = t.identity.UserID
	}
	if c.AuthorName == "" {
		c.AuthorName = t.identity.Name
	}

	if t.isCurrent(gen) && t.store.AddComment(c) {
		t.renderer.AddComment(c)
		t.renderer.SetBadge(t.store.Len())
	}
	return c, nil
}

// Delete removes a comment on the server, then locally. On failure the local
// state is left for the next reality check.
func (t *Thread) Delete(ctx context.Context, commentID string) error {
	id, gen := t.current()
	if id == "" {
		return ErrNoContext
	}
	if err := t.backend.DeleteComment(ctx, commentID); err != nil {
		t.logger.Error().Err(err).Str("comment", commentID).Msg("failed to delete comment")
		t.notice("Could not delete comment", err)
		return err
	}
	if t.isCurrent(gen) {
		t.store.RemoveComment(commentID)
		t.renderer.RemoveComment(commentID)
		t.renderer.SetBadge(t.store.Len())
	}
	return nil
}

// ToggleLike flips the current user's like and renders the server's count.
func (t *Thread) ToggleLike(ctx context.Context, commentID string) (conversation.LikeResult, error) {
	id, gen := t.current()
	if id == "" {
		return conversation.LikeResult{}, ErrNoContext
	}
	res, err := t.backend.ToggleLike(ctx, commentID)
	if err != nil {
		t.logger.Error().Err(err).Str("comment", commentID).Msg("failed to toggle like")
		t.notice("Could not update like", err)
		return conversation.LikeResult{}, err
	}
	if t.isCurrent(gen) {
		t.store.SetLiked(commentID, t.identity.UserID, res.Liked, res.Likes)
		t.renderer.UpdateLikes(commentID, res.Likes, res.Liked)
	}
	return res, nil
}

type typingFrameData struct {
	ContextID string `json:"context_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	IsTyping  bool   `json:"is_typing"`
}

// Typing tells other clients whether the current user is typing. "Still
// typing" is sent at most once per cooldown; false always goes out.
func (t *Thread) Typing(isTyping bool) error {
	t.mu.Lock()
	id, limiter := t.active, t.typing
	t.mu.Unlock()
	if id == "" {
		return ErrNoContext
	}
	if isTyping && limiter != nil && !limiter.AllowN(t.clock.Now(), 1) {
		return nil
	}

	data, err := json.Marshal(typingFrameData{
		ContextID: id,
		UserID:    t.identity.UserID,
		UserName:  t.identity.Name,
		IsTyping:  isTyping,
	})
	if err != nil {
		return fmt.Errorf("encode typing frame: %w", err)
	}
	if err := t.sender.Send(bus.Frame{Type: router.TypeCommentTyping, Data: data}); err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}
