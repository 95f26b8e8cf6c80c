package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cmdgate/internal/events"
)

func (e *testEnv) dialEvents(t *testing.T, key, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/admin/events" + query
	header := http.Header{}
	header.Set(apiKeyHeader, key)
	return websocket.DefaultDialer.Dial(url, header)
}

func readEvent(t *testing.T, conn *websocket.Conn) eventMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg eventMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return msg
}

func TestEventStreamDeliversGatewayEvents(t *testing.T) {
	env := newTestEnv(t, Config{})

	conn, _, err := env.dialEvents(t, adminKey, "")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	resp, body := env.do(t, http.MethodPost, "/api/commands", memberKey, map[string]string{"command_text": "make deploy"})
	expectStatus(t, resp, body, http.StatusOK)

	msg := readEvent(t, conn)
	if msg.Type != events.ApprovalQueued {
		t.Fatalf("unexpected event %+v", msg)
	}
	if msg.Payload["command"] != "make deploy" || msg.Payload["username"] != "alice" {
		t.Fatalf("unexpected payload %+v", msg.Payload)
	}
}

func TestEventStreamReplaysHistory(t *testing.T) {
	env := newTestEnv(t, Config{})
	start := time.Now().Add(-time.Second).UTC().Format(time.RFC3339)

	resp, body := env.do(t, http.MethodPost, "/api/commands", memberKey, map[string]string{"command_text": "rm -rf /"})
	expectStatus(t, resp, body, http.StatusOK)

	conn, _, err := env.dialEvents(t, adminKey, "?since="+start)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if msg := readEvent(t, conn); msg.Type != events.SubmissionRejected {
		t.Fatalf("expected replayed rejection, got %+v", msg)
	}
}

func TestEventStreamRequiresAdmin(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, resp, err := env.dialEvents(t, memberKey, "")
	if err == nil {
		t.Fatal("member should not be able to open the stream")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	_, resp, err = env.dialEvents(t, adminKey, "?since=yesterday")
	if err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since, got %v %v", resp, err)
	}
}
