package render

import (
	"fmt"
	"strings"
	"sync"

	"github.com/livethread/internal/bus"
	"github.com/livethread/internal/dom"
	"github.com/livethread/internal/realtime"
)

// DefaultStatusElementID is the page element mirroring the connection status.
const DefaultStatusElementID = "ws-status"

type statusStyle struct {
	class string
	title string
}

var statusBaseClasses = []string{"ws-dot", "rounded-full", "transition-colors"}

var statusStyles = map[string]statusStyle{
	bus.StatusOpen:               {class: "bg-green-500", title: "Realtime: connected"},
	bus.StatusConnecting:         {class: "bg-yellow-400 animate-pulse", title: "Realtime: connecting..."},
	bus.StatusReconnecting:       {class: "bg-yellow-500 animate-pulse", title: "Realtime: reconnecting..."},
	bus.StatusClosedCleanly:      {class: "bg-gray-400", title: "Realtime: closed"},
	bus.StatusClosedExplicitly:   {class: "bg-gray-500", title: "Realtime: closed by the client"},
	bus.StatusClosedUnexpectedly: {class: "bg-red-500", title: "Realtime: disconnected"},
	bus.StatusError:              {class: "bg-orange-600", title: "Realtime: error"},
	bus.StatusPending:            {class: "bg-gray-300", title: "Realtime: waiting..."},
}

// StatusDot mirrors connection lifecycle events onto an indicator element.
type StatusDot struct {
	r         *Renderer
	b         *bus.Bus
	elementID string

	mu   sync.Mutex
	subs []bus.Subscription
}

// NewStatusDot subscribes to the connection lifecycle and paints the current
// status immediately.
func NewStatusDot(r *Renderer, b *bus.Bus, elementID string) *StatusDot {
	if elementID == "" {
		elementID = DefaultStatusElementID
	}
	d := &StatusDot{r: r, b: b, elementID: elementID}

	d.subs = append(d.subs,
		bus.On(b, func(e bus.StatusChanged) {
			d.apply(e.Status, "")
		}),
		bus.On(b, func(e bus.ConnConnecting) {
			d.apply(bus.StatusConnecting, fmt.Sprintf("Realtime: connecting (attempt %d)...", e.Attempt))
		}),
		bus.On(b, func(e bus.ConnReconnecting) {
			d.apply(bus.StatusReconnecting, fmt.Sprintf("Realtime: reconnecting (attempt %d), next in %s. (Code: %d, Reason: %s)",
				e.Retries, e.Delay, e.Code, orNA(e.Reason)))
		}),
		bus.On(b, func(e bus.ConnClosed) {
			if e.WasClean || e.Code == realtime.CloseNormal || e.Code == realtime.CloseGoingAway {
				return
			}
			if b.Status() != bus.StatusReconnecting {
				d.apply(bus.StatusClosedUnexpectedly, fmt.Sprintf("Realtime: disconnected (Code: %d, Reason: %s)", e.Code, orNA(e.Reason)))
			}
		}),
		bus.On(b, func(e bus.ConnError) {
			if b.Status() == bus.StatusReconnecting {
				return
			}
			msg := e.Message
			if msg == "" {
				msg = "see the log for details"
			}
			d.apply(bus.StatusError, "Realtime: error - "+msg)
		}),
	)

	d.apply(b.Status(), "")
	return d
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func (d *StatusDot) apply(status, title string) {
	style, ok := statusStyles[status]
	if !ok {
		style = statusStyles[bus.StatusPending]
	}
	if title == "" {
		title = style.title
	}

	d.r.Schedule(func() {
		el := d.r.doc.GetElementByID(d.elementID)
		if el == nil {
			return
		}
		classes := append([]string{}, statusBaseClasses...)
		classes = append(classes, strings.Fields(style.class)...)
		dom.SetAttr(el, "class", strings.Join(classes, " "))
		dom.SetAttr(el, "title", title)
		dom.SetAttr(el, "data-status", status)
	})
}

// Stop unsubscribes from the bus.
func (d *StatusDot) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		d.b.Unsubscribe(s)
	}
	d.subs = nil
}
