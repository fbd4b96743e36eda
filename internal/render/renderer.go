package render

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"

	"github.com/livethread/internal/conversation"
	"github.com/livethread/internal/dom"
)

// DefaultScrollThreshold is how close to the bottom, in pixels, the viewport
// must be for a new comment to pull it down.
const DefaultScrollThreshold = 120

// ErrNoContainer is returned by Bind when the page lacks the context's container.
var ErrNoContainer = errors.New("comments container not found")

// Element id templates shared with the server-rendered page.
func ContainerID(contextID string) string { return "comments-container-" + contextID }
func IndicatorID(contextID string) string { return "typing-indicator-" + contextID }
func BadgeID(contextID string) string     { return "comments-badge-" + contextID }
func RepliesID(commentID string) string   { return "replies-container-" + commentID }
func CommentID(commentID string) string   { return "comment-" + commentID }

// Options configures a Renderer.
type Options struct {
	ScrollThreshold int
	// UserID marks comments written by the current user.
	UserID string
	Logger zerolog.Logger
}

type binding struct {
	contextID string
	epoch     uint64
	container *html.Node
	indicator *html.Node
	badge     *html.Node
	// replies waiting for their parent's replies container, by parent id
	deferred map[string][]conversation.Comment
}

// Renderer projects comment state onto a dom.Document. All DOM writes run
// inside patches, which are queued and flushed together on the next frame.
type Renderer struct {
	doc    *dom.Document
	frames FrameSource
	policy *bluemonday.Policy
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	queue     []func()
	requested bool
	flushes   int
	epoch     uint64
	binding   *binding
}

// New returns an unbound renderer for doc.
func New(doc *dom.Document, frames FrameSource, opts Options) *Renderer {
	if opts.ScrollThreshold <= 0 {
		opts.ScrollThreshold = DefaultScrollThreshold
	}
	return &Renderer{
		doc:    doc,
		frames: frames,
		policy: bluemonday.StrictPolicy(),
		opts:   opts,
		logger: opts.Logger,
	}
}

func (r *Renderer) Document() *dom.Document { return r.doc }

// Schedule queues patch for the next frame. Only the first patch of a burst
// requests a frame.
func (r *Renderer) Schedule(patch func()) {
	r.mu.Lock()
	r.queue = append(r.queue, patch)
	request := !r.requested
	r.requested = true
	r.mu.Unlock()

	if request {
		r.frames.RequestFrame(r.flush)
	}
}

func (r *Renderer) flush() {
	r.mu.Lock()
	queue := r.queue
	r.queue = nil
	r.requested = false
	r.flushes++
	r.mu.Unlock()

	r.doc.Update(func() {
		for i, patch := range queue {
			r.runPatch(i, patch)
		}
	})
}

func (r *Renderer) runPatch(i int, patch func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Int("patch", i).Str("panic", fmt.Sprint(rec)).Msg("render patch failed")
		}
	}()
	patch()
}

// Flushes reports how many frame flushes have run.
func (r *Renderer) Flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

// Pending reports the number of queued patches.
func (r *Renderer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Bind attaches the renderer to the elements of one context, tearing down
// any previous binding first. The typing indicator and badge are optional.
func (r *Renderer) Bind(contextID string) error {
	r.Unbind()

	var b *binding
	r.doc.View(func() {
		container := r.doc.GetElementByID(ContainerID(contextID))
		if container == nil {
			return
		}
		b = &binding{
			contextID: contextID,
			container: container,
			indicator: r.doc.GetElementByID(IndicatorID(contextID)),
			badge:     r.doc.GetElementByID(BadgeID(contextID)),
			deferred:  make(map[string][]conversation.Comment),
		}
	})
	if b == nil {
		r.logger.Warn().Str("context", contextID).Msg("comments container not found, nothing bound")
		return fmt.Errorf("%w: #%s", ErrNoContainer, ContainerID(contextID))
	}

	r.mu.Lock()
	r.epoch++
	b.epoch = r.epoch
	r.binding = b
	r.mu.Unlock()

	r.logger.Debug().Str("context", contextID).Bool("indicator", b.indicator != nil).Bool("badge", b.badge != nil).Msg("renderer bound")
	return nil
}

// Unbind drops the current binding. Patches queued for it become no-ops.
func (r *Renderer) Unbind() {
	r.mu.Lock()
	b := r.binding
	r.binding = nil
	r.epoch++
	r.mu.Unlock()

	if b == nil {
		return
	}
	dropped := 0
	for _, list := range b.deferred {
		dropped += len(list)
	}
	if dropped > 0 {
		r.logger.Info().Str("context", b.contextID).Int("replies", dropped).Msg("dropping replies whose parent never rendered")
	}
}

// Bound reports whether contextID is the context currently bound.
func (r *Renderer) Bound(contextID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.binding != nil && r.binding.contextID == contextID
}

// Container returns the bound container, or nil.
func (r *Renderer) Container() *html.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.binding == nil {
		return nil
	}
	return r.binding.container
}

// scheduleBound queues fn against the binding current at call time.
func (r *Renderer) scheduleBound(fn func(b *binding)) {
	r.mu.Lock()
	epoch := r.epoch
	r.mu.Unlock()

	r.Schedule(func() {
		r.mu.Lock()
		b := r.binding
		if b == nil || b.epoch != epoch {
			b = nil
		}
		r.mu.Unlock()
		if b == nil {
			return
		}
		fn(b)
	})
}

// AddComment renders c unless a node for it already exists.
func (r *Renderer) AddComment(c conversation.Comment) {
	r.scheduleBound(func(b *binding) {
		r.addComment(b, c)
	})
}

// Place renders c right away against the current binding, with the same
// rules as AddComment. It must only be called from inside a patch.
func (r *Renderer) Place(c conversation.Comment) {
	r.mu.Lock()
	b := r.binding
	r.mu.Unlock()
	if b == nil {
		return
	}
	r.addComment(b, c)
}

func (r *Renderer) exists(b *binding, id string) bool {
	return r.doc.GetElementByID(CommentID(id)) != nil || dom.QueryDataID(b.container, id) != nil
}

func (r *Renderer) addComment(b *binding, c conversation.Comment) {
	if r.exists(b, c.ID) {
		return
	}

	if c.IsReply() {
		replies := r.doc.GetElementByID(RepliesID(c.ParentID))
		if replies == nil {
			r.logger.Warn().Str("comment", c.ID).Str("parent", c.ParentID).Msg("reply arrived before its parent, deferring")
			b.deferred[c.ParentID] = append(b.deferred[c.ParentID], c)
			return
		}
		replies.AppendChild(r.CommentNode(c))
		return
	}

	nearBottom := r.doc.DistanceFromBottom(b.container) < r.opts.ScrollThreshold
	b.container.AppendChild(r.CommentNode(c))
	if nearBottom {
		r.doc.SetScrollTop(b.container, r.doc.ScrollHeight(b.container))
	}

	if waiting := b.deferred[c.ID]; len(waiting) > 0 {
		delete(b.deferred, c.ID)
		for _, reply := range waiting {
			r.addComment(b, reply)
		}
	}
}

// RemoveComment deletes the node for id, along with any reply still waiting on it.
func (r *Renderer) RemoveComment(id string) {
	r.scheduleBound(func(b *binding) {
		delete(b.deferred, id)
		for parent, list := range b.deferred {
			kept := list[:0]
			for _, c := range list {
				if c.ID != id {
					kept = append(kept, c)
				}
			}
			b.deferred[parent] = kept
		}

		n := r.doc.GetElementByID(CommentID(id))
		if n == nil {
			n = dom.QueryDataID(b.container, id)
		}
		dom.Remove(n)
	})
}

// UpdateLikes writes the authoritative count and whether the current user liked it.
func (r *Renderer) UpdateLikes(id string, count int, mine bool) {
	r.scheduleBound(func(b *binding) {
		n := r.doc.GetElementByID(CommentID(id))
		if n == nil {
			n = dom.QueryDataID(b.container, id)
		}
		if n == nil {
			return
		}
		if counter := dom.FindByClass(n, "like-counter"); counter != nil {
			dom.SetText(counter, strconv.Itoa(count))
		}
		if icon := dom.FindByClass(n, "like-icon"); icon != nil {
			dom.ToggleClass(icon, "liked", mine)
		}
	})
}

// SetTyping shows who is typing in the bound indicator, if there is one.
func (r *Renderer) SetTyping(names []string) {
	text := TypingText(names)
	r.scheduleBound(func(b *binding) {
		if b.indicator == nil {
			return
		}
		dom.SetText(b.indicator, text)
		dom.ToggleClass(b.indicator, "hidden", text == "")
	})
}

// TypingText formats the indicator line for names.
func TypingText(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing…"
	case 2:
		return names[0] + " and " + names[1] + " are typing…"
	default:
		return "Several people are typing…"
	}
}

// SetBadge writes the comment total; a zero total hides the badge.
func (r *Renderer) SetBadge(total int) {
	r.scheduleBound(func(b *binding) {
		if b.badge == nil {
			return
		}
		dom.SetText(b.badge, strconv.Itoa(total))
		dom.ToggleClass(b.badge, "hidden", total == 0)
	})
}

// Sanitize strips all markup from s and returns plain text.
func (r *Renderer) Sanitize(s string) string {
	return html.UnescapeString(r.policy.Sanitize(s))
}

// CommentNode builds the detached node for c.
func (r *Renderer) CommentNode(c conversation.Comment) *html.Node {
	mine := r.opts.UserID != "" && c.AuthorID == r.opts.UserID

	classes := []string{"chat-message"}
	if c.IsReply() {
		classes = append(classes, "chat-reply")
	}
	if mine {
		classes = append(classes, "mine")
	}
	article := dom.CreateElement("article",
		"id", CommentID(c.ID),
		"data-id", c.ID,
		"class", strings.Join(classes, " "),
	)

	meta := dom.CreateElement("div", "class", "chat-meta")
	author := dom.CreateElement("span", "class", "chat-author")
	dom.SetText(author, r.Sanitize(c.AuthorName))
	meta.AppendChild(author)
	if !c.CreatedAt.IsZero() {
		ts := dom.CreateElement("time", "datetime", c.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
		dom.SetText(ts, c.CreatedAt.Format("15:04"))
		meta.AppendChild(ts)
	}
	article.AppendChild(meta)

	body := dom.CreateElement("div", "class", "chat-text")
	dom.SetText(body, r.Sanitize(c.Content))
	article.AppendChild(body)

	actions := dom.CreateElement("div", "class", "chat-actions")
	like := dom.CreateElement("button", "class", "like-btn", "data-comment-id", c.ID)
	iconClass := "like-icon"
	if r.opts.UserID != "" && containsString(c.Likers, r.opts.UserID) {
		iconClass += " liked"
	}
	icon := dom.CreateElement("span", "class", iconClass)
	dom.SetText(icon, "♥")
	counter := dom.CreateElement("span", "class", "like-counter")
	dom.SetText(counter, strconv.Itoa(c.Likes))
	like.AppendChild(icon)
	like.AppendChild(counter)
	actions.AppendChild(like)
	article.AppendChild(actions)

	if !c.IsReply() {
		article.AppendChild(dom.CreateElement("div", "id", RepliesID(c.ID), "class", "replies-container"))
	}
	return article
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
