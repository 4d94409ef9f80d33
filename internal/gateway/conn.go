package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wopr-bot/wopr/internal/chat"
	"github.com/wopr-bot/wopr/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxFrameBytes  = 64 << 10
	closeGraceTime = time.Second
)

// conn is one WebSocket client. Reads happen on the handler goroutine;
// writes come from any turn and are serialized by mu.
type conn struct {
	ws       *websocket.Conn
	remote   string
	logger   *slog.Logger
	confirms *chat.Confirmations

	mu sync.Mutex
}

func (c *conn) write(ctx context.Context, f chat.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *conn) writeError(ctx context.Context, f chat.Frame, text string) {
	if err := c.write(ctx, chat.Frame{
		Type:      chat.FrameError,
		MessageID: f.MessageID,
		UserID:    f.UserID,
		Text:      text,
	}); err != nil {
		c.logger.Debug("failed to send error frame", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.handler == nil {
		http.Error(w, "no message handler", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	c := &conn{
		ws:       ws,
		remote:   r.RemoteAddr,
		logger:   s.logger.With("remote", r.RemoteAddr),
		confirms: chat.NewConfirmations(),
	}
	s.serve(c)
}

// serve runs the read loop. Each message frame starts its own turn;
// when the client goes away, in-flight turns are cancelled and awaited
// before the socket closes.
func (s *Server) serve(c *conn) {
	ctx, cancel := context.WithCancel(s.ctx)
	var turns sync.WaitGroup
	defer func() {
		cancel()
		turns.Wait()
		_ = c.ws.Close()
		s.bus.Emit(events.SourceGateway, events.KindClientDisconnected, map[string]any{"remote": c.remote})
		c.logger.Info("client disconnected")
	}()

	c.logger.Info("client connected")
	s.bus.Emit(events.SourceGateway, events.KindClientConnected, map[string]any{"remote": c.remote})

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Unblock the read loop on shutdown and keep the connection alive.
	turns.Add(1)
	go func() {
		defer turns.Done()
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(closeGraceTime))
				_ = c.ws.SetReadDeadline(time.Now())
				return
			case <-ticker.C:
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					c.logger.Debug("ping failed", "error", err)
				}
			}
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && ctx.Err() == nil {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		var f chat.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.writeError(ctx, f, "malformed frame")
			continue
		}

		switch f.Type {
		case chat.FrameMessage:
			if f.UserID == "" || f.Text == "" {
				c.writeError(ctx, f, "message frames need user_id and text")
				continue
			}
			msg := chat.Message{
				ID:        f.MessageID,
				UserID:    f.UserID,
				Text:      f.Text,
				ChannelID: f.ChannelID,
				Timestamp: time.Now(),
			}
			if msg.ID == "" {
				msg.ID = uuid.NewString()
			}
			dest := &chat.FrameSender{
				UserID:     f.UserID,
				ChannelID:  f.ChannelID,
				Publish:    c.write,
				Confirms:   c.confirms,
				RenderHTML: chat.RenderHTML,
			}
			turns.Add(1)
			go func() {
				defer turns.Done()
				if err := s.handler.HandleMessage(ctx, msg, dest); err != nil {
					c.logger.Error("message handling failed", "user_id", msg.UserID, "message_id", msg.ID, "error", err)
					c.writeError(ctx, f, "message could not be handled")
				}
			}()

		case chat.FrameAnswer:
			if f.Accept == nil {
				c.writeError(ctx, f, "answer frames need accept")
				continue
			}
			accepted := *f.Accept
			turns.Add(1)
			go func() {
				defer turns.Done()
				if err := c.confirms.Resolve(ctx, f.MessageID, accepted); err != nil {
					c.writeError(ctx, f, err.Error())
				}
			}()

		default:
			c.writeError(ctx, f, fmt.Sprintf("unsupported frame type %q", f.Type))
		}
	}
}
