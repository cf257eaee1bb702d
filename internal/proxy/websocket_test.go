package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lzA6/doubao2api-go/internal/config"
	"github.com/lzA6/doubao2api-go/pkg/models"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	fragments []models.Fragment
	got       *models.ChatRequest
}

func (d *fakeDispatcher) Handle(ctx context.Context, req *models.ChatRequest) (<-chan models.Fragment, error) {
	d.mu.Lock()
	d.got = req
	d.mu.Unlock()
	out := make(chan models.Fragment, len(d.fragments))
	for _, f := range d.fragments {
		out <- f
	}
	close(out)
	return out, nil
}

func (d *fakeDispatcher) handled() *models.ChatRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.got
}

var testCatalog = config.NewCatalog("doubao-pro-chat", map[string]string{
	"doubao-pro-chat": "7338286299411103781",
	"doubao-lite":     "7338286299411103999",
})

func dialTestServer(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(s.HandleChatConnection))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestChatConnectionStreamsFragments(t *testing.T) {
	d := &fakeDispatcher{fragments: []models.Fragment{
		{Seq: 1, Kind: models.FragmentDelta, Delta: "Hi"},
		{Seq: 2, Kind: models.FragmentDelta, Delta: " there"},
		{Seq: 3, Kind: models.FragmentDone},
	}}
	s := NewServer(d, testCatalog, zap.NewNop())
	conn := dialTestServer(t, s)

	require.NoError(t, conn.WriteJSON(models.ChatRequest{
		Model:    "doubao-lite",
		Messages: []models.Message{{Role: "user", Content: "Hi"}},
	}))

	var got []models.Fragment
	for {
		var f models.Fragment
		require.NoError(t, conn.ReadJSON(&f))
		got = append(got, f)
		if f.Terminal() {
			break
		}
	}

	require.Len(t, got, 3)
	assert.Equal(t, "Hi", got[0].Delta)
	assert.Equal(t, models.FragmentDone, got[2].Kind)

	req := d.handled()
	require.NotNil(t, req)
	assert.True(t, strings.HasPrefix(req.ID, "chatcmpl-"))
	assert.Equal(t, "7338286299411103999", req.BotID)
}

func TestChatConnectionRejectsUnknownModel(t *testing.T) {
	d := &fakeDispatcher{}
	s := NewServer(d, testCatalog, zap.NewNop())
	conn := dialTestServer(t, s)

	require.NoError(t, conn.WriteJSON(models.ChatRequest{
		Model:    "gpt-enormous",
		Messages: []models.Message{{Role: "user", Content: "Hi"}},
	}))

	var f models.Fragment
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, models.FragmentError, f.Kind)
	assert.Equal(t, "invalid_request", f.ErrKind)
	assert.Contains(t, f.Message, "gpt-enormous")
	assert.Nil(t, d.handled(), "rejected before dispatch")
}

func TestChatConnectionDefaultsModel(t *testing.T) {
	d := &fakeDispatcher{fragments: []models.Fragment{{Seq: 1, Kind: models.FragmentDone}}}
	s := NewServer(d, testCatalog, zap.NewNop())
	conn := dialTestServer(t, s)

	require.NoError(t, conn.WriteJSON(models.ChatRequest{
		Messages: []models.Message{{Role: "user", Content: "Hi"}},
	}))

	var f models.Fragment
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, models.FragmentDone, f.Kind)

	req := d.handled()
	require.NotNil(t, req)
	assert.Equal(t, "doubao-pro-chat", req.Model)
	assert.Equal(t, "7338286299411103781", req.BotID)
}

func TestChatConnectionRejectsEmptyMessages(t *testing.T) {
	d := &fakeDispatcher{}
	s := NewServer(d, testCatalog, zap.NewNop())
	conn := dialTestServer(t, s)

	require.NoError(t, conn.WriteJSON(models.ChatRequest{Model: "doubao-pro-chat"}))

	var f models.Fragment
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, models.FragmentError, f.Kind)
	assert.Equal(t, "invalid_request", f.ErrKind)
	assert.Nil(t, d.handled())
}
