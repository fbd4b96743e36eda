// Package chat holds the live state of the active comment thread and the
// lifecycle that keeps it, the DOM and the server in step.
package chat

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/livethread/internal/conversation"
)

// ErrNoContext is returned when no context id is given or active.
var ErrNoContext = errors.New("chat: no active context")

// DefaultTypingCooldown coalesces repeated "still typing" signals.
const DefaultTypingCooldown = time.Second

type typist struct {
	name     string
	lastSeen time.Time
}

// Store caches the comments, like sets and typing users of one context.
// It never touches the DOM.
type Store struct {
	clock    clock.Clock
	cooldown time.Duration

	mu          sync.Mutex
	contextID   string
	comments    map[string]conversation.Comment
	order       []string
	likes       map[string]map[string]struct{}
	typing      map[string]*typist
	typingOrder []string
}

// NewStore returns an empty store. A zero cooldown means DefaultTypingCooldown.
func NewStore(clk clock.Clock, cooldown time.Duration) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if cooldown <= 0 {
		cooldown = DefaultTypingCooldown
	}
	s := &Store{clock: clk, cooldown: cooldown}
	s.resetLocked("")
	return s
}

func (s *Store) resetLocked(contextID string) {
	s.contextID = contextID
	s.comments = make(map[string]conversation.Comment)
	s.order = nil
	s.likes = make(map[string]map[string]struct{})
	s.typing = make(map[string]*typist)
	s.typingOrder = nil
}

// Activate drops everything held for the previous context and loads initial.
func (s *Store) Activate(contextID string, initial []conversation.Comment) error {
	if contextID == "" {
		return ErrNoContext
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(contextID)
	s.loadLocked(initial)
	return nil
}

// Replace swaps the comment snapshot of contextID, keeping typing state.
// It reports false when contextID is not the active context.
func (s *Store) Replace(contextID string, comments []conversation.Comment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contextID == "" || contextID != s.contextID {
		return false
	}
	s.comments = make(map[string]conversation.Comment)
	s.order = nil
	s.likes = make(map[string]map[string]struct{})
	s.loadLocked(comments)
	return true
}

func (s *Store) loadLocked(comments []conversation.Comment) {
	for _, c := range comments {
		s.addLocked(c)
	}
}

func (s *Store) addLocked(c conversation.Comment) bool {
	if c.ID == "" {
		return false
	}
	if c.ContextID != "" && c.ContextID != s.contextID {
		return false
	}
	if _, ok := s.comments[c.ID]; ok {
		return false
	}
	c.ContextID = s.contextID
	s.comments[c.ID] = c
	s.order = append(s.order, c.ID)
	if len(c.Likers) > 0 {
		s.likes[c.ID] = toSet(c.Likers)
	}
	return true
}

// AddComment stores c and reports whether it was new. Comments tagged for
// another context are refused.
func (s *Store) AddComment(c conversation.Comment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contextID == "" {
		return false
	}
	return s.addLocked(c)
}

// RemoveComment drops a comment together with its like set.
func (s *Store) RemoveComment(id string) (conversation.Comment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return conversation.Comment{}, false
	}
	delete(s.comments, id)
	delete(s.likes, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return c, true
}

// UpdateLikes replaces the like set of a comment with the server's view.
func (s *Store) UpdateLikes(id string, likers []string, count int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return false
	}
	s.likes[id] = toSet(likers)
	c.Likers = sortedKeys(s.likes[id])
	c.Likes = count
	s.comments[id] = c
	return true
}

// SetLiked records one user's like after a toggle answered by the server.
func (s *Store) SetLiked(id, userID string, liked bool, count int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	if !ok {
		return false
	}
	set := s.likes[id]
	if set == nil {
		set = make(map[string]struct{})
		s.likes[id] = set
	}
	if liked {
		set[userID] = struct{}{}
	} else {
		delete(set, userID)
	}
	c.Likers = sortedKeys(set)
	c.Likes = count
	s.comments[id] = c
	return true
}

// SetTyping records a typing signal and reports whether the typing set
// changed. A repeat inside the cooldown is ignored; false always clears.
func (s *Store) SetTyping(userID, name string, isTyping bool) bool {
	if userID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contextID == "" {
		return false
	}

	t, ok := s.typing[userID]
	if !isTyping {
		if !ok {
			return false
		}
		s.dropTypistLocked(userID)
		return true
	}

	now := s.clock.Now()
	if ok {
		if now.Sub(t.lastSeen) < s.cooldown {
			return false
		}
		t.lastSeen = now
		if name != "" {
			t.name = name
		}
		return true
	}
	if name == "" {
		name = userID
	}
	s.typing[userID] = &typist{name: name, lastSeen: now}
	s.typingOrder = append(s.typingOrder, userID)
	return true
}

func (s *Store) dropTypistLocked(userID string) {
	delete(s.typing, userID)
	for i, v := range s.typingOrder {
		if v == userID {
			s.typingOrder = append(s.typingOrder[:i], s.typingOrder[i+1:]...)
			return
		}
	}
}

// SweepTyping removes typists not heard from in maxAge and returns their ids.
func (s *Store) SweepTyping(maxAge time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var removed []string
	for _, id := range append([]string(nil), s.typingOrder...) {
		if now.Sub(s.typing[id].lastSeen) >= maxAge {
			s.dropTypistLocked(id)
			removed = append(removed, id)
		}
	}
	return removed
}

// TypingUsers returns display names in the order users started typing.
func (s *Store) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.typingOrder))
	for _, id := range s.typingOrder {
		names = append(names, s.typing[id].name)
	}
	return names
}

// ContextID returns the active context, or "".
func (s *Store) ContextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextID
}

// Comment looks up one stored comment.
func (s *Store) Comment(id string) (conversation.Comment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[id]
	return c, ok
}

// Comments returns the held comments in arrival order.
func (s *Store) Comments() []conversation.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Comment, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.comments[id])
	}
	return out
}

// Len counts stored comments, replies included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Likers returns the sorted user ids that like a comment.
func (s *Store) Likers(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.likes[id])
}

// Reset forgets the active context.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked("")
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
