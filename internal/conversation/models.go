package conversation

import (
	"encoding/json"
	"time"
)

// Domain models for one comment thread (comments, likes, stats).

// Role is the current user's role as carried in the session token.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is the current user as far as the client needs to know it.
type Identity struct {
	UserID string
	Name   string
	Role   Role
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// Comment is one comment or reply in a thread.
type Comment struct {
	ID           string    `json:"id"`
	ContextID    string    `json:"context_id"`
	AuthorID     string    `json:"author_id"`
	AuthorName   string    `json:"author_name"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
	ParentID     string    `json:"parent_id,omitempty"` // empty for top level
	Likes        int       `json:"likes"`
	Likers       []string  `json:"likers,omitempty"`
	RepliesCount int       `json:"replies_count"`
}

func (c Comment) IsReply() bool { return c.ParentID != "" }

type wireAuthor struct {
	Name string `json:"name"`
}

// wireComment accepts both the canonical shape and the list endpoint's shape,
// which uses _id, news_id and a nested author object.
type wireComment struct {
	ID           string      `json:"id"`
	MongoID      string      `json:"_id"`
	ContextID    string      `json:"context_id"`
	NewsID       string      `json:"news_id"`
	AuthorID     string      `json:"author_id"`
	AuthorName   string      `json:"author_name"`
	Author       *wireAuthor `json:"author"`
	Content      string      `json:"content"`
	CreatedAt    string      `json:"created_at"`
	ParentID     *string     `json:"parent_id"`
	Likes        int         `json:"likes"`
	Likers       []string    `json:"likers"`
	RepliesCount int         `json:"replies_count"`
}

func (c *Comment) UnmarshalJSON(b []byte) error {
	var w wireComment
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*c = Comment{
		ID:           w.ID,
		ContextID:    w.ContextID,
		AuthorID:     w.AuthorID,
		AuthorName:   w.AuthorName,
		Content:      w.Content,
		CreatedAt:    parseTime(w.CreatedAt),
		Likes:        w.Likes,
		Likers:       w.Likers,
		RepliesCount: w.RepliesCount,
	}
	if c.ID == "" {
		c.ID = w.MongoID
	}
	if c.ContextID == "" {
		c.ContextID = w.NewsID
	}
	if c.AuthorName == "" && w.Author != nil {
		c.AuthorName = w.Author.Name
	}
	if w.ParentID != nil {
		c.ParentID = *w.ParentID
	}
	return nil
}

// timeLayouts covers RFC 3339 and the naive ISO timestamps some endpoints emit.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Stats are the per-context counters shown in the badge.
type Stats struct {
	Comments int `json:"comments"`
	Likes    int `json:"likes"`
	Views    int `json:"views"`
}

// LikeResult is the authoritative answer to a like toggle.
type LikeResult struct {
	Liked bool `json:"liked"`
	Likes int  `json:"likes"`
}

// Page is one page of the comment list endpoint.
type Page struct {
	Items      []Comment `json:"items"`
	TotalCount int       `json:"total_count"`
	HasMore    bool      `json:"has_more"`
}
