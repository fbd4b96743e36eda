// Package notify turns server notifications and resource changes into
// notices and page refresh triggers.
package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/livethread/internal/bus"
	"github.com/livethread/internal/conversation"
	"github.com/livethread/internal/router"
)

// Page events dispatched on the body.
const (
	EventNotificationsRefresh = "notifications.refresh"
	EventResourcesRefresh     = "resources.refresh"
)

const noticeDuration = 4 * time.Second

type resourceMessage struct {
	level string
	title string
	verb  string
}

var resourceMessages = map[string]resourceMessage{
	"add":    {level: bus.LevelSuccess, title: "New resource added", verb: "added"},
	"update": {level: bus.LevelInfo, title: "Resource updated", verb: "updated"},
	"delete": {level: bus.LevelWarning, title: "Resource deleted", verb: "deleted"},
}

var levels = map[string]bool{
	bus.LevelInfo:    true,
	bus.LevelSuccess: true,
	bus.LevelWarning: true,
	bus.LevelError:   true,
}

// Notifier turns notification and resource events into notices and refresh triggers.
type Notifier struct {
	bus        *bus.Bus
	identity   conversation.Identity
	dispatcher router.Dispatcher
	logger     zerolog.Logger

	mu   sync.Mutex
	subs []bus.Subscription
}

// New builds a Notifier for the current user. dispatcher may be nil.
func New(b *bus.Bus, identity conversation.Identity, dispatcher router.Dispatcher, logger zerolog.Logger) *Notifier {
	return &Notifier{bus: b, identity: identity, dispatcher: dispatcher, logger: logger}
}

// Start subscribes to the bus. Calling it twice is harmless.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs != nil {
		return
	}
	n.subs = []bus.Subscription{
		bus.On(n.bus, n.onNotification),
		bus.On(n.bus, n.onResource),
	}
}

// Stop unsubscribes everything Start registered.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		n.bus.Unsubscribe(sub)
	}
	n.subs = nil
}

// suppressed is true for the user who caused the change and for admins.
func (n *Notifier) suppressed(sourceUserID string) (bool, string) {
	if sourceUserID != "" && sourceUserID == n.identity.UserID {
		return true, "current user is the source"
	}
	if n.identity.IsAdmin() {
		return true, "current user is admin"
	}
	return false, ""
}

func (n *Notifier) dispatch(name string, detail interface{}) {
	if n.dispatcher == nil {
		return
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		n.logger.Warn().Err(err).Str("event", name).Msg("failed to encode event detail")
		return
	}
	n.dispatcher.Dispatch(name, raw)
}

func (n *Notifier) onNotification(e bus.NotificationReceived) {
	if skip, why := n.suppressed(e.SourceUserID); skip {
		n.logger.Debug().Str("title", e.Title).Str("why", why).Msg("notification not shown")
		return
	}
	if e.Title == "" || e.Body == "" {
		n.logger.Debug().Str("resource", e.Resource).Msg("notification without title or body ignored")
		return
	}

	level := e.Level
	if !levels[level] {
		level = bus.LevelInfo
	}
	n.bus.Publish(bus.Notice{Level: level, Title: e.Title, Body: e.Body, Duration: noticeDuration})
	n.dispatch(EventNotificationsRefresh, map[string]string{"resource": e.Resource})
}

func (n *Notifier) onResource(e bus.ResourceChanged) {
	// lists refresh for everyone, the source included
	n.dispatch(EventResourcesRefresh, map[string]string{
		"action":    e.Action,
		"item_type": e.ItemType,
		"item_id":   e.ItemID,
	})

	if skip, why := n.suppressed(e.UserID); skip {
		n.logger.Debug().Str("action", e.Action).Str("item", e.ItemID).Str("why", why).Msg("resource notice not shown")
		return
	}
	msg, ok := resourceMessages[e.Action]
	if !ok {
		return
	}
	title := e.ItemTitle
	if title == "" {
		title = e.ItemType
	}
	n.bus.Publish(bus.Notice{
		Level:    msg.level,
		Title:    msg.title,
		Body:     fmt.Sprintf("The item '%s' (%s) was %s.", title, e.ItemType, msg.verb),
		Duration: noticeDuration,
	})
}
