package reconcile

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/livethread/internal/api"
	"github.com/livethread/internal/api/apitest"
	"github.com/livethread/internal/conversation"
	"github.com/livethread/internal/dom"
	"github.com/livethread/internal/render"
)

const page = `<div id="comments-container-n1">
  <article data-id="A" id="comment-A"><div class="chat-text">kept</div>
    <div id="replies-container-A"><article data-id="A9" id="comment-A9">stale reply</article></div>
  </article>
  <article data-id="B" id="comment-B">ghost</article>
  <p>not a comment</p>
</div>
<div id="comments-container-n2"><article data-id="X">other thread</article></div>`

type fixture struct {
	doc      *dom.Document
	frames   *render.ManualFrames
	renderer *render.Renderer
	srv      *apitest.Server
	rec      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	doc, err := dom.Parse(strings.NewReader(page))
	require.NoError(t, err)

	frames := render.NewManualFrames()
	r := render.New(doc, frames, render.Options{Logger: zerolog.Nop()})
	require.NoError(t, r.Bind("n1"))

	srv := apitest.New(t)
	client, err := api.New(api.Config{BaseURL: srv.URL, MaxRetries: -1}, zerolog.Nop())
	require.NoError(t, err)

	return &fixture{doc: doc, frames: frames, renderer: r, srv: srv, rec: New(client, r, zerolog.Nop())}
}

func (f *fixture) childIDs(id string) []string {
	var ids []string
	f.doc.View(func() {
		for _, n := range dom.DataChildren(f.doc.GetElementByID(id)) {
			ids = append(ids, dom.DataID(n))
		}
	})
	return ids
}

func (f *fixture) node(id string) *html.Node {
	var n *html.Node
	f.doc.View(func() { n = f.doc.GetElementByID(id) })
	return n
}

func (f *fixture) sync(t *testing.T) (Result, Plan, bool) {
	t.Helper()
	res, err := f.rec.Sync(context.Background(), "n1", f.renderer.Container())
	require.NoError(t, err)
	f.frames.Tick()
	plan, ok := <-res.Applied
	return res, plan, ok
}

func TestDiff(t *testing.T) {
	c := func(id, parent string) conversation.Comment {
		return conversation.Comment{ID: id, ParentID: parent}
	}

	tests := []struct {
		name          string
		dom           []string
		authoritative []conversation.Comment
		want          Plan
	}{
		{
			name: "in sync",
			dom:  []string{"a", "b"},
			authoritative: []conversation.Comment{
				c("a", ""), c("b", ""),
			},
			want: Plan{Keep: []string{"a", "b"}},
		},
		{
			name:          "ghosts and missing",
			dom:           []string{"a", "ghost", "b"},
			authoritative: []conversation.Comment{c("a", ""), c("b", ""), c("c", "")},
			want: Plan{
				Remove: []string{"ghost"},
				Add:    []conversation.Comment{c("c", "")},
				Keep:   []string{"a", "b"},
			},
		},
		{
			name:          "replies are not placed at top level",
			dom:           []string{"a"},
			authoritative: []conversation.Comment{c("a", ""), c("r", "a")},
			want:          Plan{Keep: []string{"a"}},
		},
		{
			name:          "a rendered reply id is a ghost at top level",
			dom:           []string{"a", "r"},
			authoritative: []conversation.Comment{c("a", ""), c("r", "a")},
			want:          Plan{Remove: []string{"r"}, Keep: []string{"a"}},
		},
		{
			name:          "duplicates collapse",
			dom:           []string{"a", "a"},
			authoritative: []conversation.Comment{c("a", ""), c("b", ""), c("b", "")},
			want:          Plan{Add: []conversation.Comment{c("b", "")}, Keep: []string{"a"}},
		},
		{
			name: "empty server list clears the thread",
			dom:  []string{"a", "b"},
			want: Plan{Remove: []string{"a", "b"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.dom, tt.authoritative)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Diff mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSyncConverges(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("n1",
		conversation.Comment{ID: "A", AuthorName: "Ana", Content: "kept"},
		conversation.Comment{ID: "A1", ParentID: "A", Content: "reply"},
		conversation.Comment{ID: "C", AuthorName: "Cy", Content: "missed while offline"},
	)
	f.srv.Seed("n2") // other thread has nothing server side

	kept := f.node("comment-A")
	nested := f.node("comment-A9")
	require.NotNil(t, kept)

	res, plan, ok := f.sync(t)
	require.True(t, ok)
	assert.Equal(t, "n1", res.ContextID)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, []string{"B"}, plan.Remove)
	assert.Equal(t, []string{"A"}, plan.Keep)
	require.Len(t, plan.Add, 1)
	assert.Equal(t, "C", plan.Add[0].ID)

	assert.Equal(t, []string{"A", "C"}, f.childIDs("comments-container-n1"))
	assert.Same(t, kept, f.node("comment-A"), "existing nodes are kept, not re-created")
	assert.Same(t, nested, f.node("comment-A9"), "stale nested replies are left alone")
	assert.Equal(t, []string{"A9", "A1"}, f.childIDs("replies-container-A"), "known replies are filled in")
	assert.Equal(t, []string{"X"}, f.childIDs("comments-container-n2"), "foreign containers are out of scope")
	assert.Contains(t, f.doc.HTML(), "not a comment")
	assert.Contains(t, f.doc.HTML(), "missed while offline")

	t.Run("idempotent", func(t *testing.T) {
		before := f.doc.HTML()
		_, plan, ok := f.sync(t)
		require.True(t, ok)
		assert.True(t, plan.Empty())
		assert.Equal(t, []string{"A", "C"}, plan.Keep)
		assert.Equal(t, before, f.doc.HTML())
	})

	t.Run("picks up server side deletes", func(t *testing.T) {
		f.srv.Drop("n1", "A")
		_, plan, ok := f.sync(t)
		require.True(t, ok)
		assert.Equal(t, []string{"A"}, plan.Remove)
		assert.Equal(t, []string{"C"}, f.childIDs("comments-container-n1"))
	})
}

func TestSyncRemovesDuplicateNodes(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("n1", conversation.Comment{ID: "A"}, conversation.Comment{ID: "B"})

	container := f.renderer.Container()
	f.doc.Update(func() {
		container.AppendChild(dom.CreateElement("article", "data-id", "B"))
	})
	require.Equal(t, []string{"A", "B", "B"}, f.childIDs("comments-container-n1"))

	_, plan, ok := f.sync(t)
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, plan.Keep)
	assert.Equal(t, []string{"A", "B"}, f.childIDs("comments-container-n1"))
}

func TestSyncFetchFailureLeavesDOM(t *testing.T) {
	f := newFixture(t)
	f.srv.FailNext("/api/ai-news/n1/comments", http.StatusInternalServerError, 1)
	before := f.doc.HTML()

	res, err := f.rec.Sync(context.Background(), "n1", f.renderer.Container())
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrStatus))
	assert.Nil(t, res.Applied)
	assert.Equal(t, 0, f.renderer.Pending(), "nothing scheduled")
	assert.Equal(t, before, f.doc.HTML())
}

func TestSyncSkipsWhenUnbound(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("n1", conversation.Comment{ID: "Z"})
	before := f.doc.HTML()

	res, err := f.rec.Sync(context.Background(), "n1", f.renderer.Container())
	require.NoError(t, err)
	f.renderer.Unbind()
	f.frames.Tick()

	_, ok := <-res.Applied
	assert.False(t, ok, "channel closed without a plan")
	assert.Equal(t, before, f.doc.HTML())
}

func TestSyncWithoutContainer(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.Sync(context.Background(), "n1", nil)
	assert.Error(t, err)
	assert.Empty(t, f.srv.Requests())
}

func TestSyncReleasesDeferredReplies(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("n1",
		conversation.Comment{ID: "A"},
		conversation.Comment{ID: "P", Content: "parent whose push was lost"},
	)

	// the reply's push arrived, its parent's never did
	f.renderer.AddComment(conversation.Comment{ID: "P1", ParentID: "P", Content: "early reply"})
	f.frames.Tick()
	require.Nil(t, f.node("comment-P1"))

	_, plan, ok := f.sync(t)
	require.True(t, ok)
	require.Len(t, plan.Add, 1)
	assert.Equal(t, "P", plan.Add[0].ID)

	assert.Equal(t, []string{"A", "P"}, f.childIDs("comments-container-n1"))
	assert.Equal(t, []string{"P1"}, f.childIDs("replies-container-P"))
	assert.Contains(t, f.doc.HTML(), "early reply")
}

func TestSyncPlacesRepliesUnderAddedParents(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed("n1",
		conversation.Comment{ID: "A"},
		conversation.Comment{ID: "P"},
		conversation.Comment{ID: "P1", ParentID: "P", Content: "first"},
		conversation.Comment{ID: "P2", ParentID: "P", Content: "second"},
	)

	_, _, ok := f.sync(t)
	require.True(t, ok)
	assert.Equal(t, []string{"P1", "P2"}, f.childIDs("replies-container-P"))

	t.Run("idempotent", func(t *testing.T) {
		before := f.doc.HTML()
		_, plan, ok := f.sync(t)
		require.True(t, ok)
		assert.True(t, plan.Empty())
		assert.Equal(t, before, f.doc.HTML())
	})
}
