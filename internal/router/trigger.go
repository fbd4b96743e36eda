package router

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/livethread/internal/bus"
)

// Trigger header names. The legacy name is still sent by older server handlers.
const (
	TriggerHeader       = "X-Trigger"
	LegacyTriggerHeader = "HX-Trigger"
)

// Dispatcher fires a named custom event on the page body.
type Dispatcher interface {
	Dispatch(name string, detail json.RawMessage)
}

// Trigger is one server-requested page event.
type Trigger struct {
	Name   string
	Detail json.RawMessage
}

// ParseTriggers reads the trigger header of a frame. A string names a single
// event whose detail is the frame's detail; an object maps event names to
// their details, kept in the order the server wrote them.
func ParseTriggers(frame bus.Frame) ([]Trigger, error) {
	raw, ok := frame.Headers[TriggerHeader]
	if !ok {
		raw, ok = frame.Headers[LegacyTriggerHeader]
	}
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		if name == "" {
			return nil, nil
		}
		detail := frame.Detail
		if len(detail) == 0 || string(detail) == "null" {
			detail = json.RawMessage(`{}`)
		}
		return []Trigger{{Name: name, Detail: detail}}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("trigger header: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("trigger header: expected string or object")
	}

	var triggers []Trigger
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("trigger header: %w", err)
		}
		key, _ := tok.(string)
		var detail json.RawMessage
		if err := dec.Decode(&detail); err != nil {
			return nil, fmt.Errorf("trigger header %q: %w", key, err)
		}
		triggers = append(triggers, Trigger{Name: key, Detail: detail})
	}
	return triggers, nil
}

func (r *Router) bridgeTriggers(frame bus.Frame) {
	triggers, err := ParseTriggers(frame)
	if err != nil {
		r.logger.Debug().Err(err).Str("type", frame.Type).Msg("ignoring malformed trigger header")
		return
	}
	for _, t := range triggers {
		r.logger.Debug().Str("trigger", t.Name).Msg("dispatching server trigger")
		if r.dispatcher != nil {
			r.dispatcher.Dispatch(t.Name, t.Detail)
		}
		r.bus.Publish(bus.TriggerFired{Name: t.Name, Detail: t.Detail})
	}
}
