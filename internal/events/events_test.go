package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/tkivisto/gatehouse/internal/admin"
	"github.com/tkivisto/gatehouse/internal/notify"
)

const testToken = "test-admin-token"

func startHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()

	hub := NewHub(testToken)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	return conn
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func readFrame(t *testing.T, conn *websocket.Conn) StreamEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var event StreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return event
}

func TestHandleWS_RejectsBadToken(t *testing.T) {
	_, srv, cancel := startHub(t)
	defer cancel()

	resp, err := http.Get(srv.URL + "?token=wrong")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestHandleWS_RejectsMissingToken(t *testing.T) {
	_, srv, cancel := startHub(t)
	defer cancel()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestAudit_Broadcasts(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv, testToken)
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, time.Second, func() bool { return hub.ClientCount() == 1 })

	hub.Audit(context.Background(), admin.Entry{
		Action:        "set_cap",
		Actor:         "ops@example",
		ApplicationID: "",
		At:            time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	event := readFrame(t, conn)
	if event.Type != "admin.action" {
		t.Errorf("Type = %q, want %q", event.Type, "admin.action")
	}
	if event.Action != "set_cap" {
		t.Errorf("Action = %q, want %q", event.Action, "set_cap")
	}
	if event.Actor != "ops@example" {
		t.Errorf("Actor = %q, want %q", event.Actor, "ops@example")
	}
	if event.At != "2026-03-01T12:00:00Z" {
		t.Errorf("At = %q", event.At)
	}
}

func TestNotify_Broadcasts(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv, testToken)
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, time.Second, func() bool { return hub.ClientCount() == 1 })

	hub.Notify(context.Background(), "applicant-1", notify.EventAdmitted)

	event := readFrame(t, conn)
	if event.Type != "notify.admitted" {
		t.Errorf("Type = %q, want %q", event.Type, "notify.admitted")
	}
	if event.ApplicantID != "applicant-1" {
		t.Errorf("ApplicantID = %q, want %q", event.ApplicantID, "applicant-1")
	}
}

func TestBroadcast_ReachesAllClients(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	first := dial(t, srv, testToken)
	defer first.Close(websocket.StatusNormalClosure, "bye")
	second := dial(t, srv, testToken)
	defer second.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, time.Second, func() bool { return hub.ClientCount() == 2 })

	hub.Audit(context.Background(), admin.Entry{Action: "run_wave", Actor: "ops@example", At: time.Now()})

	for _, conn := range []*websocket.Conn{first, second} {
		event := readFrame(t, conn)
		if event.Action != "run_wave" {
			t.Errorf("Action = %q, want %q", event.Action, "run_wave")
		}
	}
}

func TestDisconnect_Unregisters(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv, testToken)
	waitFor(t, time.Second, func() bool { return hub.ClientCount() == 1 })

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, time.Second, func() bool { return hub.ClientCount() == 0 })
}

func TestAuthHeaderAccepted(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	ctx, cancelDial := context.WithTimeout(context.Background(), time.Second)
	defer cancelDial()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial with bearer header: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, time.Second, func() bool { return hub.ClientCount() == 1 })
}
