package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/mnemo/internal/engine"
	"github.com/kalambet/mnemo/internal/pipeline"
)

func dialChat(t *testing.T, h http.Handler, header http.Header) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			t.Fatalf("dial: %v (status %d)", err, resp.StatusCode)
		}
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestChatWS(t *testing.T) {
	resp := &mockResponder{answer: "hello there"}
	conn := dialChat(t, newTestHandler(t, Deps{Responder: resp}, ""), nil)

	if err := conn.WriteJSON(ChatRequest{Owner: "ana", Question: "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out WSMessage
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Answer != "hello there" || out.TicketID != "ticket-1" || out.Error != "" {
		t.Errorf("got %+v", out)
	}

	// The owner carries over to later messages.
	if err := conn.WriteJSON(ChatRequest{Question: "again"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	calls := resp.Calls()
	if len(calls) != 2 || calls[1].Owner != "ana" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestChatWS_Errors(t *testing.T) {
	resp := &mockResponder{err: engine.ErrModelUnavailable}
	conn := dialChat(t, newTestHandler(t, Deps{Responder: resp}, ""), nil)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{bad")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out WSMessage
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(out.Error, "invalid message") {
		t.Errorf("error = %q", out.Error)
	}

	if err := conn.WriteJSON(ChatRequest{Owner: "ana", Question: "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Error != pipeline.MsgModelUnavailable || out.Answer != "" {
		t.Errorf("got %+v", out)
	}
}

func TestChatWS_RequiresToken(t *testing.T) {
	srv := httptest.NewServer(newTestHandler(t, Deps{}, "secret"))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %+v", resp)
	}

	conn := dialChat(t, newTestHandler(t, Deps{}, "secret"), http.Header{"Authorization": {"Bearer secret"}})
	if err := conn.WriteJSON(ChatRequest{Owner: "ana", Question: "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out WSMessage
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Answer != "42" {
		t.Errorf("got %+v", out)
	}
}

func TestSameOrigin(t *testing.T) {
	cases := map[string]bool{
		"":                       true,
		"http://localhost:4000":  true,
		"https://localhost:4000": true,
		"http://evil.example":    false,
		"file://localhost:4000":  false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "http://localhost:4000/v1/chat/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := sameOrigin(r); got != want {
			t.Errorf("sameOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}
