package chat

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livethread/internal/conversation"
)

func newStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	s := NewStore(mock, time.Second)
	require.NoError(t, s.Activate("n1", nil))
	return s, mock
}

func ids(comments []conversation.Comment) []string {
	var out []string
	for _, c := range comments {
		out = append(out, c.ID)
	}
	return out
}

func TestStoreActivate(t *testing.T) {
	s := NewStore(nil, 0)
	assert.ErrorIs(t, s.Activate("", nil), ErrNoContext)
	assert.False(t, s.AddComment(conversation.Comment{ID: "a"}), "nothing is stored without a context")

	require.NoError(t, s.Activate("n1", []conversation.Comment{
		{ID: "a", Likers: []string{"u2", "u1"}},
		{ID: "b", ContextID: "n1"},
		{ID: "a"},
	}))
	assert.Equal(t, "n1", s.ContextID())
	assert.Equal(t, []string{"a", "b"}, ids(s.Comments()))
	assert.Equal(t, []string{"u1", "u2"}, s.Likers("a"))
	require.True(t, s.SetTyping("u3", "Cy", true))

	require.NoError(t, s.Activate("n2", []conversation.Comment{{ID: "x"}}))
	assert.Equal(t, []string{"x"}, ids(s.Comments()), "one context at a time")
	assert.Empty(t, s.Likers("a"))
	assert.Empty(t, s.TypingUsers())

	s.Reset()
	assert.Equal(t, "", s.ContextID())
	assert.Equal(t, 0, s.Len())
}

func TestStoreComments(t *testing.T) {
	s, _ := newStore(t)

	assert.True(t, s.AddComment(conversation.Comment{ID: "a", Likers: []string{"u1"}, Likes: 1}))
	assert.False(t, s.AddComment(conversation.Comment{ID: "a"}), "duplicate")
	assert.False(t, s.AddComment(conversation.Comment{ID: "z", ContextID: "n2"}), "foreign context")
	assert.False(t, s.AddComment(conversation.Comment{}), "no id")
	assert.True(t, s.AddComment(conversation.Comment{ID: "b", ParentID: "a"}))

	c, ok := s.Comment("b")
	require.True(t, ok)
	assert.Equal(t, "n1", c.ContextID)

	removed, ok := s.RemoveComment("a")
	require.True(t, ok)
	assert.Equal(t, "a", removed.ID)
	assert.Empty(t, s.Likers("a"), "like set goes with the comment")
	_, ok = s.RemoveComment("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, ids(s.Comments()))

	assert.True(t, s.Replace("n1", []conversation.Comment{{ID: "c"}, {ID: "d"}}))
	assert.Equal(t, []string{"c", "d"}, ids(s.Comments()))
	assert.False(t, s.Replace("n2", []conversation.Comment{{ID: "e"}}))
}

func TestStoreLikes(t *testing.T) {
	s, _ := newStore(t)
	s.AddComment(conversation.Comment{ID: "a"})

	assert.True(t, s.UpdateLikes("a", []string{"u2", "u1"}, 2))
	c, _ := s.Comment("a")
	assert.Equal(t, 2, c.Likes)
	assert.Equal(t, []string{"u1", "u2"}, c.Likers)

	assert.True(t, s.SetLiked("a", "me", true, 3))
	assert.Equal(t, []string{"me", "u1", "u2"}, s.Likers("a"))
	assert.True(t, s.SetLiked("a", "u1", false, 2))
	assert.Equal(t, []string{"me", "u2"}, s.Likers("a"))

	assert.False(t, s.UpdateLikes("missing", nil, 0))
	assert.False(t, s.SetLiked("missing", "me", true, 1))
}

func TestStoreTypingDebounce(t *testing.T) {
	s, mock := newStore(t)

	assert.True(t, s.SetTyping("u1", "Ana", true))
	mock.Add(500 * time.Millisecond)
	assert.False(t, s.SetTyping("u1", "Ana", true), "inside the cooldown")

	// only the first signal was registered, so the sweep sees it as 3s old
	mock.Add(2500 * time.Millisecond)
	assert.Equal(t, []string{"u1"}, s.SweepTyping(3*time.Second))
	assert.Empty(t, s.TypingUsers())

	t.Run("false clears regardless of cooldown", func(t *testing.T) {
		assert.True(t, s.SetTyping("u2", "Bo", true))
		assert.True(t, s.SetTyping("u2", "Bo", false))
		assert.Empty(t, s.TypingUsers())
		assert.False(t, s.SetTyping("u2", "Bo", false), "already clear")
	})

	t.Run("refresh after the cooldown", func(t *testing.T) {
		assert.True(t, s.SetTyping("u3", "", true))
		mock.Add(time.Second)
		assert.True(t, s.SetTyping("u3", "Cy", true))
		mock.Add(2 * time.Second)
		assert.Empty(t, s.SweepTyping(3*time.Second))
		assert.Equal(t, []string{"Cy"}, s.TypingUsers())
	})
}

func TestStoreTypingOrder(t *testing.T) {
	s, mock := newStore(t)
	s.SetTyping("u1", "Ana", true)
	mock.Add(time.Second)
	s.SetTyping("u2", "Bo", true)
	s.SetTyping("u3", "", true)
	assert.Equal(t, []string{"Ana", "Bo", "u3"}, s.TypingUsers())

	mock.Add(2 * time.Second)
	assert.Equal(t, []string{"u1"}, s.SweepTyping(3*time.Second))
	assert.Equal(t, []string{"Bo", "u3"}, s.TypingUsers())
}
