package dom

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<div id="comments-container-n1" class="chat">
  <article data-id="A" id="comment-A"><p class="chat-text">first</p>
    <div id="replies-container-A" class="hidden"><article data-id="A1">nested</article></div>
  </article>
  <article data-id="B" id="comment-B">second</article>
  <p>not a comment</p>
</div>
<span id="typing-indicator-n1"></span>`

func mustParse(t *testing.T, s string) *Document {
	t.Helper()
	doc, err := Parse(strings.NewReader(s))
	require.NoError(t, err)
	return doc
}

func TestLookup(t *testing.T) {
	doc := mustParse(t, page)

	container := doc.GetElementByID("comments-container-n1")
	require.NotNil(t, container)
	assert.True(t, HasClass(container, "chat"))
	assert.Nil(t, doc.GetElementByID("missing"))
	assert.Nil(t, doc.GetElementByID(""))

	t.Run("data children are direct only", func(t *testing.T) {
		var ids []string
		for _, n := range DataChildren(container) {
			ids = append(ids, DataID(n))
		}
		assert.Equal(t, []string{"A", "B"}, ids)
	})

	t.Run("query data-id finds nested", func(t *testing.T) {
		n := QueryDataID(container, "A1")
		require.NotNil(t, n)
		assert.Equal(t, "nested", Text(n))
	})

	t.Run("find by class", func(t *testing.T) {
		n := FindByClass(container, "chat-text")
		require.NotNil(t, n)
		assert.Equal(t, "first", Text(n))
	})
}

func TestMutation(t *testing.T) {
	doc := mustParse(t, page)
	container := doc.GetElementByID("comments-container-n1")

	el := CreateElement("article", "data-id", "C", "id", "comment-C")
	SetText(el, "third")
	container.AppendChild(el)
	assert.Same(t, el, doc.GetElementByID("comment-C"))

	Remove(doc.GetElementByID("comment-A"))
	assert.Nil(t, doc.GetElementByID("comment-A"))
	assert.Nil(t, doc.GetElementByID("replies-container-A"))
	Remove(CreateElement("div")) // detached, no-op

	ToggleClass(el, "mine", true)
	ToggleClass(el, "mine", true)
	assert.Equal(t, "mine", Attr(el, "class"))
	ToggleClass(el, "mine", false)
	assert.Equal(t, "", Attr(el, "class"))

	SetAttr(el, "title", "x")
	SetAttr(el, "title", "y")
	assert.Equal(t, "y", Attr(el, "title"))
	RemoveAttr(el, "title")
	assert.Equal(t, "", Attr(el, "title"))

	assert.Contains(t, doc.HTML(), `<article data-id="C" id="comment-C">third</article>`)
}

func TestScrollMetrics(t *testing.T) {
	doc := mustParse(t, page)
	container := doc.GetElementByID("comments-container-n1")

	// three element children at 40px each
	assert.Equal(t, 120, doc.ScrollHeight(container))

	doc.SetClientHeight(container, 50)
	doc.SetScrollTop(container, 1000)
	assert.Equal(t, 70, doc.ScrollTop(container), "clamped to scrollHeight-clientHeight")
	assert.Equal(t, 0, doc.DistanceFromBottom(container))

	doc.SetScrollTop(container, -5)
	assert.Equal(t, 0, doc.ScrollTop(container))
	assert.Equal(t, 70, doc.DistanceFromBottom(container))
}

func TestDispatch(t *testing.T) {
	doc := New()

	var got []CustomEvent
	doc.AddEventListener("notifications.refresh", func(ev CustomEvent) { got = append(got, ev) })

	doc.Dispatch("notifications.refresh", nil)
	doc.Dispatch("other", json.RawMessage(`{"a":1}`))

	require.Len(t, got, 1)
	assert.JSONEq(t, `{}`, string(got[0].Detail))
	assert.Len(t, doc.Events(), 2)
}
