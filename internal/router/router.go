package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/livethread/internal/bus"
	"github.com/livethread/internal/conversation"
)

var (
	ErrMissingType = errors.New("frame has no type")
	ErrUnknownType = errors.New("unknown frame type")
)

// Frame types understood by the router.
const (
	TypeCommentAdd     = "comment/add"
	TypeCommentDelete  = "comment/delete"
	TypeCommentLike    = "comment/like"
	TypeCommentTyping  = "comment/typing"
	TypeThreadHint     = "comment:ai_news"
	TypeStatsHint      = "stats:ai_news"
	TypeResourcePrefix = "resource/"
	TypeNotification   = "new_notification"
)

// Router turns raw frames into typed application events. It does not know
// which context is active; consumers filter on ContextID.
type Router struct {
	bus        *bus.Bus
	dispatcher Dispatcher
	logger     zerolog.Logger

	mu  sync.Mutex
	sub *bus.Subscription
}

// New creates a router. dispatcher may be nil, which disables the trigger bridge.
func New(b *bus.Bus, dispatcher Dispatcher, logger zerolog.Logger) *Router {
	return &Router{bus: b, dispatcher: dispatcher, logger: logger}
}

// Start subscribes to inbound frames. Calling it twice is a no-op.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return
	}
	sub := bus.On(r.bus, func(e bus.FrameReceived) {
		r.Route(e.Frame)
	})
	r.sub = &sub
}

// Stop unsubscribes the router from incoming frames.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		r.bus.Unsubscribe(*r.sub)
		r.sub = nil
	}
}

// Route classifies one frame and publishes the resulting events. Failures
// are logged and the frame is dropped.
func (r *Router) Route(frame bus.Frame) {
	r.bridgeTriggers(frame)

	events, err := Decode(frame)
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			r.logger.Debug().Str("type", frame.Type).Msg("ignoring frame of unhandled type")
		} else {
			r.logger.Warn().Err(err).Str("type", frame.Type).Msg("dropping malformed frame")
		}
		return
	}
	for _, e := range events {
		r.bus.Publish(e)
	}
}

type commentAddPayload struct {
	ContextID string               `json:"context_id"`
	Comment   conversation.Comment `json:"comment"`
	Total     *int                 `json:"total"`
}

type commentDeletePayload struct {
	ContextID string `json:"context_id"`
	CommentID string `json:"comment_id"`
	ParentID  string `json:"parent_id"`
	Total     *int   `json:"total"`
}

type commentLikePayload struct {
	ContextID string   `json:"context_id"`
	CommentID string   `json:"comment_id"`
	Likers    []string `json:"likers"`
	Likes     *int     `json:"likes"`
}

type typingPayload struct {
	ContextID string `json:"context_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	IsTyping  bool   `json:"is_typing"`
}

type threadHintPayload struct {
	ContextID string `json:"ai_news_id"`
	CommentID string `json:"comment_id"`
	AuthorID  string `json:"author_id"`
	Action    string `json:"action"`
}

type statsHintPayload struct {
	ContextID string `json:"news_id"`
	Action    string `json:"action"`
}

type resourcePayload struct {
	ItemType  string `json:"item_type"`
	ItemID    string `json:"item_id"`
	ItemTitle string `json:"item_title"`
	UserID    string `json:"user_id"`
}

type notificationPayload struct {
	Title        string `json:"title"`
	Body         string `json:"body"`
	Message      string `json:"message"`
	Level        string `json:"level"`
	Resource     string `json:"resource"`
	Tipo         string `json:"tipo"`
	SourceUserID string `json:"source_user_id"`
}

func decodeInto(frame bus.Frame, v interface{}) error {
	payload := frame.Payload()
	if len(payload) == 0 {
		return fmt.Errorf("%s: empty payload", frame.Type)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%s: %w", frame.Type, err)
	}
	return nil
}

func requireField(frameType, name, value string) error {
	if value == "" {
		return fmt.Errorf("%s: missing %s", frameType, name)
	}
	return nil
}

// Decode maps one frame onto zero or more typed events.
func Decode(frame bus.Frame) ([]bus.Event, error) {
	switch {
	case frame.Type == "":
		return nil, ErrMissingType

	case frame.Type == TypeCommentAdd:
		var p commentAddPayload
		if err := decodeInto(frame, &p); err != nil {
			return nil, err
		}
		if p.ContextID == "" {
			p.ContextID = p.Comment.ContextID
		}
		if err := requireField(frame.Type, "context_id", p.ContextID); err != nil {
			return nil, err
		}
		if err := requireField(frame.Type, "comment.id", p.Comment.ID); err != nil {
			return nil, err
		}
		p.Comment.ContextID = p.ContextID
		return []bus.Event{bus.CommentAdded{ContextID: p.ContextID, Comment: p.Comment, Total: p.Total}}, nil

	case frame.Type == TypeCommentDelete:
		var p commentDeletePayload
		if err := decodeInto(frame, &p); err != nil {
			return nil, err
		}
		if err := requireField(frame.Type, "context_id", p.ContextID); err != nil {
			return nil, err
		}
		if err := requireField(frame.Type, "comment_id", p.CommentID); err != nil {
			return nil, err
		}
		return []bus.Event{bus.CommentRemoved{ContextID: p.ContextID, CommentID: p.CommentID, ParentID: p.ParentID, Total: p.Total}}, nil

	case frame.Type == TypeCommentLike:
		var p commentLikePayload
		if err := decodeInto(frame, &p); err != nil {
			return nil, err
		}
		if err := requireField(frame.Type, "context_id", p.ContextID); err != nil {
			return nil, err
		}
		if err := requireField(frame.Type, "comment_id", p.CommentID); err != nil {
			return nil, err
		}
		likes := len(p.Likers)
		if p.Likes != nil {
			likes = *p.Likes
		}
		return []bus.Event{bus.ReactionUpdated{ContextID: p.ContextID, CommentID: p.CommentID, Likers: p.Likers, Likes: likes}}, nil

	case frame.Type == TypeCommentTyping:
		var p typingPayload
		if err := decodeInto(frame, &p); err != nil {
			return nil, err
		}
		if err := requireField(frame.Type, "context_id", p.ContextID); err != nil {
			return nil, err
		}
		if err := requireField(frame.Type, "user_id", p.UserID); err != nil {
			return nil, err
		}
		return []bus.Event{bus.TypingChanged{ContextID: p.ContextID, UserID: p.UserID, UserName: p.UserName, IsTyping: p.IsTyping}}, nil

	case frame.Type == TypeThreadHint:
		var p threadHintPayload
		if err := decodeInto(frame, &p); err != nil {
			return nil, err
		}
		if err := requireField(frame.Type, "ai_news_id", p.ContextID); err != nil {
			return nil, err
		}
		return []bus.Event{bus.ThreadChanged{ContextID: p.ContextID, CommentID: p.CommentID, AuthorID: p.AuthorID, Action: p.Action}}, nil

	case frame.Type == TypeStatsHint:
		var p statsHintPayload
		if err := decodeInto(frame, &p); err != nil {
			return nil, err
		}
		if err := requireField(frame.Type, "news_id", p.ContextID); err != nil {
			return nil, err
		}
		return []bus.Event{bus.StatsChanged{ContextID: p.ContextID, Action: p.Action}}, nil

	case strings.HasPrefix(frame.Type, TypeResourcePrefix):
		action := strings.TrimPrefix(frame.Type, TypeResourcePrefix)
		switch action {
		case "add", "update", "delete":
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownType, frame.Type)
		}
		var p resourcePayload
		if err := decodeInto(frame, &p); err != nil {
			return nil, err
		}
		return []bus.Event{bus.ResourceChanged{
			Action:    action,
			ItemType:  p.ItemType,
			ItemID:    p.ItemID,
			ItemTitle: p.ItemTitle,
			UserID:    p.UserID,
		}}, nil

	case frame.Type == TypeNotification:
		var p notificationPayload
		if err := decodeInto(frame, &p); err != nil {
			return nil, err
		}
		body := p.Body
		if body == "" {
			body = p.Message
		}
		resource := p.Resource
		if resource == "" {
			resource = p.Tipo
		}
		return []bus.Event{bus.NotificationReceived{
			Title:        p.Title,
			Body:         body,
			Level:        p.Level,
			Resource:     resource,
			SourceUserID: p.SourceUserID,
		}}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownType, frame.Type)
}
