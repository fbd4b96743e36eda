package bus

import (
	"encoding/json"
	"time"

	"github.com/livethread/internal/conversation"
)

// Topic discriminates event kinds on the bus.
type Topic string

const (
	TopicStatus       Topic = "ws:status"
	TopicConnecting   Topic = "ws:connecting"
	TopicOpen         Topic = "ws:open"
	TopicClose        Topic = "ws:close"
	TopicReconnecting Topic = "ws:reconnecting"
	TopicError        Topic = "ws:error"
	TopicFrame        Topic = "ws:message"
	TopicServerError  Topic = "ws:message:error"

	TopicCommentAdded    Topic = "comment:added"
	TopicCommentRemoved  Topic = "comment:removed"
	TopicReactionUpdated Topic = "comment:reaction"
	TopicTypingChanged   Topic = "comment:typing"
	TopicThreadChanged   Topic = "thread:changed"
	TopicStatsChanged    Topic = "thread:stats"

	TopicResourceChanged      Topic = "resource:changed"
	TopicNotificationReceived Topic = "notification:received"

	TopicThreadActivated Topic = "thread:activated"
	TopicThreadDestroyed Topic = "thread:destroyed"

	TopicNotice  Topic = "ui:notice"
	TopicTrigger Topic = "ui:trigger"
)

// Event is one member of the bus's tagged union.
type Event interface {
	Topic() Topic
}

// Connection status values, as exposed by Bus.Status.
const (
	StatusPending            = "pending"
	StatusConnecting         = "connecting"
	StatusOpen               = "open"
	StatusReconnecting       = "reconnecting"
	StatusClosedCleanly      = "closed_cleanly"
	StatusClosedExplicitly   = "closed_explicitly"
	StatusClosedUnexpectedly = "closed_unexpectedly"
	StatusError              = "error"
)

// Frame is one decoded message from the real-time channel.
type Frame struct {
	Type      string                     `json:"type"`
	Data      json.RawMessage            `json:"data,omitempty"`
	Headers   map[string]json.RawMessage `json:"headers,omitempty"`
	Status    string                     `json:"status,omitempty"`
	Message   json.RawMessage            `json:"message,omitempty"`
	Detail    json.RawMessage            `json:"detail,omitempty"`
	Timestamp int64                      `json:"timestamp,omitempty"`
}

// Payload returns data when present, otherwise message.
func (f Frame) Payload() json.RawMessage {
	if len(f.Data) > 0 && string(f.Data) != "null" {
		return f.Data
	}
	return f.Message
}

// Notice levels
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

type (
	StatusChanged struct {
		Status string
	}

	ConnConnecting struct {
		Attempt int
	}

	ConnOpened struct {
		Reconnected bool
	}

	ConnClosed struct {
		Retries  int
		Code     int
		Reason   string
		WasClean bool
	}

	ConnReconnecting struct {
		Retries int
		Delay   time.Duration
		Code    int
		Reason  string
	}

	ConnError struct {
		Err     error
		Message string
	}

	FrameReceived struct {
		Frame Frame
	}

	ServerError struct {
		Title   string
		Message string
		Code    string
		Details json.RawMessage
	}

	CommentAdded struct {
		ContextID string
		Comment   conversation.Comment
		Total     *int
	}

	CommentRemoved struct {
		ContextID string
		CommentID string
		ParentID  string
		Total     *int
	}

	ReactionUpdated struct {
		ContextID string
		CommentID string
		Likers    []string
		Likes     int
	}

	TypingChanged struct {
		ContextID string
		UserID    string
		UserName  string
		IsTyping  bool
	}

	// ThreadChanged is a coarse hint that something in a thread changed; consumers resync.
	ThreadChanged struct {
		ContextID string
		CommentID string
		AuthorID  string
		Action    string
	}

	StatsChanged struct {
		ContextID string
		Action    string
	}

	ResourceChanged struct {
		Action    string // add, update, delete
		ItemType  string
		ItemID    string
		ItemTitle string
		UserID    string
	}

	NotificationReceived struct {
		Title        string
		Body         string
		Level        string
		Resource     string
		SourceUserID string
	}

	ThreadActivated struct {
		ContextID string
	}

	ThreadDestroyed struct {
		ContextID string
		Reason    string
	}

	// Notice asks an external collaborator to show a transient message.
	Notice struct {
		Level    string
		Title    string
		Body     string
		Duration time.Duration
	}

	TriggerFired struct {
		Name   string
		Detail json.RawMessage
	}
)

func (StatusChanged) Topic() Topic        { return TopicStatus }
func (ConnConnecting) Topic() Topic       { return TopicConnecting }
func (ConnOpened) Topic() Topic           { return TopicOpen }
func (ConnClosed) Topic() Topic           { return TopicClose }
func (ConnReconnecting) Topic() Topic     { return TopicReconnecting }
func (ConnError) Topic() Topic            { return TopicError }
func (FrameReceived) Topic() Topic        { return TopicFrame }
func (ServerError) Topic() Topic          { return TopicServerError }
func (CommentAdded) Topic() Topic         { return TopicCommentAdded }
func (CommentRemoved) Topic() Topic       { return TopicCommentRemoved }
func (ReactionUpdated) Topic() Topic      { return TopicReactionUpdated }
func (TypingChanged) Topic() Topic        { return TopicTypingChanged }
func (ThreadChanged) Topic() Topic        { return TopicThreadChanged }
func (StatsChanged) Topic() Topic         { return TopicStatsChanged }
func (ResourceChanged) Topic() Topic      { return TopicResourceChanged }
func (NotificationReceived) Topic() Topic { return TopicNotificationReceived }
func (ThreadActivated) Topic() Topic      { return TopicThreadActivated }
func (ThreadDestroyed) Topic() Topic      { return TopicThreadDestroyed }
func (Notice) Topic() Topic               { return TopicNotice }
func (TriggerFired) Topic() Topic         { return TopicTrigger }
