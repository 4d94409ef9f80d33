package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/wopr-bot/wopr/internal/chat"
	"github.com/wopr-bot/wopr/internal/connwatch"
	"github.com/wopr-bot/wopr/internal/events"
	"github.com/wopr-bot/wopr/internal/router"
	"github.com/wopr-bot/wopr/internal/usage"
)

// handlerFunc adapts a function to MessageHandler.
type handlerFunc func(ctx context.Context, msg chat.Message, dest chat.Sendable) error

func (f handlerFunc) HandleMessage(ctx context.Context, msg chat.Message, dest chat.Sendable) error {
	return f(ctx, msg, dest)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	s := NewServer(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) chat.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f chat.Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestWebSocket_MessageReply(t *testing.T) {
	var got chat.Message
	_, ts := newTestServer(t, Config{Handler: handlerFunc(func(ctx context.Context, msg chat.Message, dest chat.Sendable) error {
		got = msg
		h, err := dest.Send(ctx, "**hello** "+msg.UserID)
		if err != nil {
			return err
		}
		return h.Edit(ctx, "hello again")
	})})
	ws := dial(t, ts)

	if err := ws.WriteJSON(chat.Frame{Type: chat.FrameMessage, UserID: "alice", Text: "hi", MessageID: "m1"}); err != nil {
		t.Fatal(err)
	}

	send := readFrame(t, ws)
	if send.Type != chat.FrameSend || send.UserID != "alice" || send.Text != "**hello** alice" {
		t.Errorf("send frame = %+v", send)
	}
	if !strings.Contains(send.HTML, "<strong>hello</strong>") {
		t.Errorf("html = %q, want rendered markdown", send.HTML)
	}
	edit := readFrame(t, ws)
	if edit.Type != chat.FrameEdit || edit.MessageID != send.MessageID {
		t.Errorf("edit frame = %+v, want edit of %s", edit, send.MessageID)
	}
	if got.ID != "m1" || got.Text != "hi" {
		t.Errorf("handler got %+v", got)
	}
}

func TestWebSocket_Confirmation(t *testing.T) {
	answers := make(chan bool, 1)
	_, ts := newTestServer(t, Config{Handler: handlerFunc(func(ctx context.Context, _ chat.Message, dest chat.Sendable) error {
		c, ok := dest.(chat.Confirmer)
		if !ok {
			return errors.New("sender cannot confirm")
		}
		_, err := c.Confirm(ctx, "create it?", func(ctx context.Context, accepted bool) {
			answers <- accepted
		})
		return err
	})})
	ws := dial(t, ts)

	if err := ws.WriteJSON(chat.Frame{Type: chat.FrameMessage, UserID: "bob", Text: "make a tool"}); err != nil {
		t.Fatal(err)
	}
	confirm := readFrame(t, ws)
	if confirm.Type != chat.FrameConfirm || confirm.MessageID == "" {
		t.Fatalf("frame = %+v, want confirm", confirm)
	}

	yes := true
	if err := ws.WriteJSON(chat.Frame{Type: chat.FrameAnswer, MessageID: confirm.MessageID, Accept: &yes}); err != nil {
		t.Fatal(err)
	}
	select {
	case accepted := <-answers:
		if !accepted {
			t.Error("answer = false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation never resolved")
	}

	// A second answer for the same id is unknown.
	if err := ws.WriteJSON(chat.Frame{Type: chat.FrameAnswer, MessageID: confirm.MessageID, Accept: &yes}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, ws); f.Type != chat.FrameError || !strings.Contains(f.Text, "unknown confirmation") {
		t.Errorf("frame = %+v, want unknown confirmation error", f)
	}
}

func TestWebSocket_RejectsBadFrames(t *testing.T) {
	_, ts := newTestServer(t, Config{Handler: handlerFunc(func(context.Context, chat.Message, chat.Sendable) error {
		t.Error("handler called for a bad frame")
		return nil
	})})
	ws := dial(t, ts)

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"malformed", `{"type":`, "malformed frame"},
		{"missing user", `{"type":"message","text":"hi"}`, "need user_id and text"},
		{"answer without accept", `{"type":"answer","message_id":"x"}`, "need accept"},
		{"unknown type", `{"type":"shout"}`, `unsupported frame type "shout"`},
	}
	for _, tt := range tests {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.frame)); err != nil {
			t.Fatal(err)
		}
		f := readFrame(t, ws)
		if f.Type != chat.FrameError || !strings.Contains(f.Text, tt.want) {
			t.Errorf("%s: frame = %+v, want error containing %q", tt.name, f, tt.want)
		}
	}
}

func TestWebSocket_HandlerErrorReported(t *testing.T) {
	_, ts := newTestServer(t, Config{Handler: handlerFunc(func(context.Context, chat.Message, chat.Sendable) error {
		return errors.New("boom")
	})})
	ws := dial(t, ts)

	if err := ws.WriteJSON(chat.Frame{Type: chat.FrameMessage, UserID: "u", Text: "hi", MessageID: "m9"}); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, ws)
	if f.Type != chat.FrameError || f.MessageID != "m9" {
		t.Errorf("frame = %+v, want error for m9", f)
	}
}

func TestWebSocket_ConcurrentTurns(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	_, ts := newTestServer(t, Config{Handler: handlerFunc(func(ctx context.Context, msg chat.Message, dest chat.Sendable) error {
		started.Done()
		<-release
		_, err := dest.Send(ctx, "done "+msg.Text)
		return err
	})})
	ws := dial(t, ts)

	for _, text := range []string{"one", "two"} {
		if err := ws.WriteJSON(chat.Frame{Type: chat.FrameMessage, UserID: "u", Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	// Both turns are in flight at once; a serial reader would deadlock here.
	started.Wait()
	close(release)

	seen := map[string]bool{}
	for range 2 {
		seen[readFrame(t, ws).Text] = true
	}
	if !seen["done one"] || !seen["done two"] {
		t.Errorf("replies = %v", seen)
	}
}

func TestWebSocket_ConnectEvents(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(4)
	s, ts := newTestServer(t, Config{
		Bus:     bus,
		Handler: handlerFunc(func(context.Context, chat.Message, chat.Sendable) error { return nil }),
	})
	dial(t, ts)

	select {
	case e := <-sub:
		if e.Source != events.SourceGateway || e.Kind != events.KindClientConnected {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connect event")
	}

	s.Close()
	select {
	case e := <-sub:
		if e.Kind != events.KindClientDisconnected {
			t.Errorf("event = %+v, want disconnect", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event after Close")
	}
}

func TestHealth(t *testing.T) {
	mon := connwatch.NewMonitor(quietLogger(), nil)
	if err := mon.Add(connwatch.Service{Name: "docker", Probe: func(context.Context) error { return nil }}); err != nil {
		t.Fatal(err)
	}
	_, ts := newTestServer(t, Config{Monitor: mon})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Status   string             `json:"status"`
		Services []connwatch.Status `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	// The monitor has not run, so docker has never answered.
	if body.Status != "degraded" || len(body.Services) != 1 || body.Services[0].Name != "docker" {
		t.Errorf("health = %+v", body)
	}
}

func TestVersionAndRouter(t *testing.T) {
	rtr := router.NewRouter(quietLogger(), router.Config{Exact: "big", Fast: "small"})
	rtr.Route(context.Background(), router.Request{Tier: router.TierFast, Purpose: "summarize"})
	_, ts := newTestServer(t, Config{Router: rtr})

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/version", http.StatusOK, `"go_version"`},
		{"/v1/router/stats", http.StatusOK, `"total_requests":1`},
		{"/v1/router/audit?limit=1", http.StatusOK, `"model_selected":"small"`},
		{"/v1/router/audit?limit=x", http.StatusBadRequest, "limit"},
		{"/ws", http.StatusServiceUnavailable, "no message handler"},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.wantStatus || !strings.Contains(string(body), tt.wantBody) {
			t.Errorf("GET %s = %d %s, want %d containing %s", tt.path, resp.StatusCode, body, tt.wantStatus, tt.wantBody)
		}
	}
}

func TestUsage(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ledger, err := usage.New(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	ledger.Record(ctx, usage.Record{Model: "claude", Purpose: "complete", InputTokens: 2, CostUSD: 2})
	ledger.Record(ctx, usage.Record{Model: "qwen", Purpose: "classify", InputTokens: 5})
	ledger.Record(ctx, usage.Record{Model: "qwen", Purpose: "classify", InputTokens: 5, Timestamp: time.Now().Add(-48 * time.Hour)})

	_, ts := newTestServer(t, Config{Usage: ledger})

	resp, err := http.Get(ts.URL + "/v1/usage")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Hours     int                       `json:"hours"`
		Total     usage.Summary             `json:"total"`
		ByModel   map[string]usage.Summary  `json:"by_model"`
		ByPurpose map[string]*usage.Summary `json:"by_purpose"`
	}
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if body.Hours != 24 || body.Total.TotalRecords != 2 || body.Total.TotalCostUSD != 2 {
		t.Errorf("usage = %+v", body)
	}
	if body.ByModel["qwen"].TotalInputTokens != 5 || body.ByPurpose["complete"] == nil {
		t.Errorf("groups = %+v / %+v", body.ByModel, body.ByPurpose)
	}

	for path, want := range map[string]int{
		"/v1/usage?hours=72": http.StatusOK,
		"/v1/usage?hours=0":  http.StatusBadRequest,
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}

	_, bare := newTestServer(t, Config{})
	resp, err = http.Get(bare.URL + "/v1/usage")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("without ledger = %d, want 404", resp.StatusCode)
	}
}
