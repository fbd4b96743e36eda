// Package apitest runs an in-process fake of the comment collaborator.
package apitest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/livethread/internal/conversation"
)

type wireAuthor struct {
	Name string `json:"name"`
}

// wireComment is the shape the list endpoint serves.
type wireComment struct {
	ID           string     `json:"_id"`
	NewsID       string     `json:"news_id"`
	AuthorID     string     `json:"author_id"`
	Author       wireAuthor `json:"author"`
	Content      string     `json:"content"`
	ParentID     *string    `json:"parent_id"`
	CreatedAt    string     `json:"created_at"`
	Likes        int        `json:"likes"`
	RepliesCount int        `json:"replies_count"`
}

type failure struct {
	prefix string
	code   int
	left   int
}

// Server is an echo-backed fake. It keeps comments per context in insertion
// order and answers like the production endpoints.
type Server struct {
	*httptest.Server
	Echo *echo.Echo

	// UserID authors new comments and owns likes.
	UserID string
	// Token, when set, is required as a bearer token.
	Token string

	mu       sync.Mutex
	comments map[string][]conversation.Comment
	likes    map[string]map[string]bool
	views    map[string]int
	failures []*failure
	requests []string
	nextID   int
}

// New starts a fake collaborator that is shut down when t ends.
func New(t testing.TB) *Server {
	s := &Server{
		UserID:   "me",
		comments: make(map[string][]conversation.Comment),
		likes:    make(map[string]map[string]bool),
		views:    make(map[string]int),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(s.record, s.auth, s.inject)
	e.GET("/api/ai-news/:ctx/comments", s.list)
	e.POST("/api/ai-news/:ctx/comments", s.create)
	e.GET("/api/ai-news/:ctx/stats", s.stats)
	e.DELETE("/api/ai-news/comments/:id", s.remove)
	e.POST("/api/ai-news/comments/:id/like", s.like)
	s.Echo = e

	s.Server = httptest.NewServer(e)
	t.Cleanup(s.Server.Close)
	return s
}

// Seed appends comments to a context without going through the API.
func (s *Server) Seed(contextID string, comments ...conversation.Comment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range comments {
		c.ContextID = contextID
		s.comments[contextID] = append(s.comments[contextID], c)
	}
}

// Drop deletes a comment behind the client's back, as another user would.
func (s *Server) Drop(contextID, commentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[contextID] = without(s.comments[contextID], commentID)
}

// FailNext makes the next n requests whose path starts with prefix answer code.
func (s *Server) FailNext(prefix string, code, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, &failure{prefix: prefix, code: code, left: n})
}

// Requests returns "METHOD /path?query" for every request served.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Comments returns the stored comments of a context.
func (s *Server) Comments(contextID string) []conversation.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.Comment(nil), s.comments[contextID]...)
}

func (s *Server) record(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.mu.Lock()
		s.requests = append(s.requests, c.Request().Method+" "+c.Request().URL.RequestURI())
		s.mu.Unlock()
		return next(c)
	}
}

func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.Token == "" {
			return next(c)
		}
		if c.Request().Header.Get("Authorization") != "Bearer "+s.Token {
			c.Response().Header().Set("HX-Redirect", "/login")
			return c.JSON(http.StatusUnauthorized, map[string]string{"detail": "not authenticated"})
		}
		return next(c)
	}
}

func (s *Server) inject(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.mu.Lock()
		var code int
		for _, f := range s.failures {
			if f.left > 0 && strings.HasPrefix(c.Request().URL.Path, f.prefix) {
				f.left--
				code = f.code
				break
			}
		}
		s.mu.Unlock()
		if code != 0 {
			return c.String(code, http.StatusText(code))
		}
		return next(c)
	}
}

func toWire(c conversation.Comment) wireComment {
	w := wireComment{
		ID:           c.ID,
		NewsID:       c.ContextID,
		AuthorID:     c.AuthorID,
		Author:       wireAuthor{Name: c.AuthorName},
		Content:      c.Content,
		Likes:        c.Likes,
		RepliesCount: c.RepliesCount,
	}
	if c.ParentID != "" {
		parent := c.ParentID
		w.ParentID = &parent
	}
	if !c.CreatedAt.IsZero() {
		w.CreatedAt = c.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999")
	}
	return w
}

func (s *Server) list(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(c.QueryParam("page_size"))
	if size < 1 {
		size = 5
	}
	if size > 20 {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"detail": "page_size must be <= 20"})
	}

	s.mu.Lock()
	all := s.comments[c.Param("ctx")]
	start := (page - 1) * size
	if start > len(all) {
		start = len(all)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	items := make([]wireComment, 0, end-start)
	for _, cm := range all[start:end] {
		items = append(items, toWire(cm))
	}
	total := len(all)
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]interface{}{
		"items":       items,
		"total_count": total,
		"has_more":    total > start+len(items),
	})
}

func (s *Server) stats(c echo.Context) error {
	ctx := c.Param("ctx")
	s.mu.Lock()
	defer s.mu.Unlock()
	likes := 0
	for _, cm := range s.comments[ctx] {
		likes += cm.Likes
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"stats": conversation.Stats{
			Comments: len(s.comments[ctx]),
			Likes:    likes,
			Views:    s.views[ctx],
		},
		"user_liked": false,
	})
}

type createBody struct {
	Content  string   `json:"content"`
	ParentID *string  `json:"parent_id"`
	Mentions []string `json:"mentions"`
}

func (s *Server) create(c echo.Context) error {
	var body createBody
	if err := c.Bind(&body); err != nil || strings.TrimSpace(body.Content) == "" {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"detail": "content required"})
	}
	ctx := c.Param("ctx")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cm := conversation.Comment{
		ID:         fmt.Sprintf("srv-%d", s.nextID),
		ContextID:  ctx,
		AuthorID:   s.UserID,
		AuthorName: s.UserID,
		Content:    strings.TrimSpace(body.Content),
		CreatedAt:  time.Now().UTC(),
	}
	if body.ParentID != nil && *body.ParentID != "" {
		if !contains(s.comments[ctx], *body.ParentID) {
			return c.JSON(http.StatusNotFound, map[string]string{"detail": "parent not found"})
		}
		cm.ParentID = *body.ParentID
	}
	s.comments[ctx] = append(s.comments[ctx], cm)
	return c.JSON(http.StatusOK, map[string]string{"id": cm.ID})
}

func (s *Server) remove(c echo.Context) error {
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for ctx, list := range s.comments {
		if contains(list, id) {
			s.comments[ctx] = without(list, id)
			delete(s.likes, id)
			return c.JSON(http.StatusOK, map[string]bool{"success": true})
		}
	}
	return c.JSON(http.StatusNotFound, map[string]string{"detail": "comment not found"})
}

func (s *Server) like(c echo.Context) error {
	id := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for ctx, list := range s.comments {
		for i := range list {
			if list[i].ID != id {
				continue
			}
			if s.likes[id] == nil {
				s.likes[id] = make(map[string]bool)
			}
			liked := !s.likes[id][s.UserID]
			if liked {
				s.likes[id][s.UserID] = true
				list[i].Likes++
			} else {
				delete(s.likes[id], s.UserID)
				list[i].Likes--
			}
			s.comments[ctx] = list
			return c.JSON(http.StatusOK, conversation.LikeResult{Liked: liked, Likes: list[i].Likes})
		}
	}
	return c.JSON(http.StatusNotFound, map[string]string{"detail": "comment not found"})
}

func contains(list []conversation.Comment, id string) bool {
	for _, c := range list {
		if c.ID == id {
			return true
		}
	}
	return false
}

func without(list []conversation.Comment, id string) []conversation.Comment {
	out := make([]conversation.Comment, 0, len(list))
	for _, c := range list {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
