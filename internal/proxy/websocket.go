// Package proxy exposes the chat pipeline over a WebSocket: the client sends
// one chat request and receives the fragment stream as JSON messages, which
// avoids SSE buffering issues behind some reverse proxies.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzA6/doubao2api-go/internal/config"
	"github.com/lzA6/doubao2api-go/pkg/models"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Dispatcher admits chat requests and streams their fragments back
type Dispatcher interface {
	Handle(ctx context.Context, req *models.ChatRequest) (<-chan models.Fragment, error)
}

type Server struct {
	dispatcher Dispatcher
	catalog    *config.Catalog
	logger     *zap.Logger
}

func NewServer(dispatcher Dispatcher, catalog *config.Catalog, logger *zap.Logger) *Server {
	return &Server{
		dispatcher: dispatcher,
		catalog:    catalog,
		logger:     logger,
	}
}

// HandleChatConnection upgrades the connection, reads a single chat request,
// and relays its fragment stream until the terminal fragment.
func (s *Server) HandleChatConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer conn.Close()

	var req models.ChatRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.writeFragment(conn, models.Fragment{
			Kind:    models.FragmentError,
			ErrKind: "invalid_request",
			Message: "invalid chat request payload",
		})
		return
	}
	if len(req.Messages) == 0 {
		s.writeFragment(conn, models.Fragment{
			Kind:    models.FragmentError,
			ErrKind: "invalid_request",
			Message: "messages must not be empty",
		})
		return
	}
	if req.Model == "" {
		req.Model = s.catalog.Default()
	}
	botID, ok := s.catalog.Resolve(req.Model)
	if !ok {
		s.writeFragment(conn, models.Fragment{
			Kind:    models.FragmentError,
			ErrKind: "invalid_request",
			Message: fmt.Sprintf("unknown model %q", req.Model),
		})
		return
	}
	req.BotID = botID
	req.ID = "chatcmpl-" + uuid.New().String()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// cancel the request if the client goes away mid-stream
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	stream, err := s.dispatcher.Handle(ctx, &req)
	if err != nil {
		s.writeFragment(conn, models.Fragment{
			Kind:    models.FragmentError,
			ErrKind: "unavailable",
			Message: err.Error(),
		})
		return
	}

	for f := range stream {
		if !s.writeFragment(conn, f) {
			cancel()
			// drain so the dispatcher can unwind
			for range stream {
			}
			return
		}
	}

	deadline := time.Now().Add(writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (s *Server) writeFragment(conn *websocket.Conn, f models.Fragment) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(f); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			s.logger.Warn("failed to write fragment", zap.Error(err))
		}
		return false
	}
	return true
}
