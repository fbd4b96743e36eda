package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livethread/internal/bus"
	"github.com/livethread/internal/config"
	"github.com/livethread/internal/dom"
	"github.com/livethread/internal/render"
)

func TestLoadPage(t *testing.T) {
	t.Run("default page", func(t *testing.T) {
		doc, err := loadPage("", "n1")
		require.NoError(t, err)

		for _, id := range []string{render.DefaultStatusElementID, render.ContainerID("n1"), render.IndicatorID("n1"), render.BadgeID("n1")} {
			assert.NotNil(t, doc.GetElementByID(id), id)
		}
		assert.Equal(t, "0", dom.Text(doc.GetElementByID(render.BadgeID("n1"))))
	})

	t.Run("snapshot file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "page.html")
		require.NoError(t, os.WriteFile(path, []byte(`<div id="comments-container-n2"><div id="comment-a" data-id="a"></div></div>`), 0644))

		doc, err := loadPage(path, "n2")
		require.NoError(t, err)
		require.NotNil(t, doc.GetElementByID("comments-container-n2"))
		assert.NotNil(t, dom.QueryDataID(doc.Body(), "a"))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadPage(filepath.Join(t.TempDir(), "nope.html"), "n1")
		assert.Error(t, err)
	})
}

func TestIdentityFrom(t *testing.T) {
	logger := zerolog.Nop()

	assert.Empty(t, identityFrom("", logger).UserID)
	assert.Empty(t, identityFrom("garbage", logger).UserID)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "name": "Ana"}).SignedString([]byte("k"))
	require.NoError(t, err)
	id := identityFrom(token, logger)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "Ana", id.Name)
}

func TestNewSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livethread.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\norigin = \"http://127.0.0.1:1\"\n"), 0644))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate(cfg))

	doc, err := loadPage("", "n1")
	require.NoError(t, err)

	s, err := newSession(cfg, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, s.bus.SubscriberCount(bus.TopicCommentAdded))
	assert.Empty(t, s.thread.Active())

	s.close()
	assert.Equal(t, bus.StatusClosedExplicitly, s.manager.Status())
	assert.Zero(t, s.bus.SubscriberCount(bus.TopicCommentAdded))
	assert.Zero(t, s.bus.SubscriberCount(bus.TopicFrame))
}

func TestNewAPIClientRejectsBadOrigin(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Origin = "ftp://example.org"
	_, err := newAPIClient(cfg, zerolog.Nop())
	assert.Error(t, err)
}
