// Package reconcile corrects drift between the rendered thread and the
// server's authoritative comment list.
package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/net/html"

	"github.com/livethread/internal/conversation"
	"github.com/livethread/internal/dom"
)

// Source returns the authoritative comments of a context.
type Source interface {
	ListComments(ctx context.Context, contextID string) ([]conversation.Comment, error)
}

// Renderer is the part of render.Renderer the reconciler drives.
type Renderer interface {
	Schedule(patch func())
	Bound(contextID string) bool
	// Place renders a comment inside the running patch. It skips comments
	// already rendered and releases replies waiting on a placed parent.
	Place(c conversation.Comment)
}

// Plan is the correction for one container.
type Plan struct {
	Remove []string               // ghosts: rendered but gone on the server
	Add    []conversation.Comment // on the server but never rendered
	Keep   []string               // present on both sides, nodes left as they are
}

func (p Plan) Empty() bool { return len(p.Remove) == 0 && len(p.Add) == 0 }

// Diff compares the ids rendered in a container with the authoritative list.
// Only top-level comments take part; replies live in nested containers.
// Orders follow the DOM for Remove and Keep, and the server for Add.
func Diff(domIDs []string, authoritative []conversation.Comment) Plan {
	want := make(map[string]bool, len(authoritative))
	for _, c := range authoritative {
		if !c.IsReply() {
			want[c.ID] = true
		}
	}

	var plan Plan
	rendered := make(map[string]bool, len(domIDs))
	for _, id := range domIDs {
		if rendered[id] {
			continue
		}
		rendered[id] = true
		if want[id] {
			plan.Keep = append(plan.Keep, id)
		} else {
			plan.Remove = append(plan.Remove, id)
		}
	}

	added := make(map[string]bool)
	for _, c := range authoritative {
		if c.IsReply() || rendered[c.ID] || added[c.ID] {
			continue
		}
		added[c.ID] = true
		plan.Add = append(plan.Add, c)
	}
	return plan
}

// Result describes one Sync. Applied yields the plan once the patch ran, and
// is closed without a value when the patch was skipped.
type Result struct {
	ContextID string
	Fetched   int
	Applied   <-chan Plan
}

// Reconciler runs reality checks for one renderer.
type Reconciler struct {
	source   Source
	renderer Renderer
	logger   zerolog.Logger
}

// New returns a Reconciler reading from source.
func New(source Source, renderer Renderer, logger zerolog.Logger) *Reconciler {
	return &Reconciler{source: source, renderer: renderer, logger: logger}
}

// Sync fetches the authoritative list and schedules one patch that brings
// container in line with it. On a fetch error the DOM is left alone.
func (r *Reconciler) Sync(ctx context.Context, contextID string, container *html.Node) (Result, error) {
	if container == nil {
		return Result{}, fmt.Errorf("reality check of %s: no container", contextID)
	}

	comments, err := r.source.ListComments(ctx, contextID)
	if err != nil {
		r.logger.Warn().Err(err).Str("context", contextID).Msg("reality check fetch failed, leaving thread as is")
		return Result{}, fmt.Errorf("reality check of %s: %w", contextID, err)
	}

	applied := make(chan Plan, 1)
	r.renderer.Schedule(func() {
		defer close(applied)
		if !r.renderer.Bound(contextID) || !dom.Attached(container) {
			r.logger.Debug().Str("context", contextID).Msg("thread no longer bound, skipping reality check")
			return
		}
		plan := r.apply(container, comments)
		applied <- plan
	})

	return Result{ContextID: contextID, Fetched: len(comments), Applied: applied}, nil
}

// apply runs inside a renderer patch.
func (r *Reconciler) apply(container *html.Node, comments []conversation.Comment) Plan {
	nodes := dom.DataChildren(container)
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = dom.DataID(n)
	}
	plan := Diff(ids, comments)

	remove := make(map[string]bool, len(plan.Remove))
	for _, id := range plan.Remove {
		remove[id] = true
	}
	seen := make(map[string]bool, len(nodes))
	duplicates := 0
	for _, n := range nodes {
		id := dom.DataID(n)
		switch {
		case remove[id]:
			dom.Remove(n)
		case seen[id]:
			duplicates++
			dom.Remove(n)
		}
		seen[id] = true
	}

	for _, c := range plan.Add {
		r.renderer.Place(c)
	}
	// replies are never removed here, only filled in under their parents
	for _, c := range comments {
		if c.IsReply() {
			r.renderer.Place(c)
		}
	}

	if !plan.Empty() || duplicates > 0 {
		r.logger.Info().
			Int("removed", len(plan.Remove)).
			Int("added", len(plan.Add)).
			Int("duplicates", duplicates).
			Msg("reality check corrected thread")
	}
	return plan
}
