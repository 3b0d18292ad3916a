package slack

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const linearMessageEnvelope = `{
  "type": "events_api",
  "envelope_id": "env-1",
  "payload": {
    "type": "event_callback",
    "event": {
      "type": "message",
      "subtype": "bot_message",
      "bot_id": "B_LINEAR",
      "channel": "C123",
      "ts": "1700000000.000100",
      "attachments": [{
        "blocks": [
          {"type": "context", "text": {"type": "mrkdwn", "text": "<https://x|IGNORED-1>"}},
          {"type": "section", "text": {"type": "mrkdwn", "text": "<https://linear.app/acme/issue/PROJ-42|PROJ-42 Fix login>"}}
        ]
      }]
    }
  }
}`

const mentionEnvelope = `{
  "type": "events_api",
  "envelope_id": "env-2",
  "payload": {
    "type": "event_callback",
    "event": {"type": "app_mention", "user": "U1", "channel": "C9", "ts": "1.1", "text": "<@B> hi"}
  }
}`

type fakeConnector struct {
	url   string
	err   error
	calls atomic.Int32
}

func (f *fakeConnector) OpenConnection(ctx context.Context) (string, error) {
	f.calls.Add(1)
	return f.url, f.err
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func TestSocketClientAcksAndDispatches(t *testing.T) {
	acks := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"hello"}`))
		for _, frame := range []string{linearMessageEnvelope, mentionEnvelope} {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
			var a ack
			if err := wsjson.Read(ctx, conn, &a); err != nil {
				return
			}
			acks <- a.EnvelopeID
		}
		drain(ctx, conn)
	}))
	defer server.Close()

	messages := make(chan MessageEvent, 1)
	mentions := make(chan MentionEvent, 1)
	var ready atomic.Int32
	client := NewSocketClient(SocketClientOptions{
		Connector: &fakeConnector{url: wsURL(server)},
		OnMessage: func(ctx context.Context, event MessageEvent, retryAttempt int) {
			messages <- event
		},
		OnMention: func(ctx context.Context, event MentionEvent) {
			mentions <- event
		},
		OnReady: func() { ready.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case event := <-messages:
		n := event.Notification()
		assert.Equal(t, "B_LINEAR", n.SenderID)
		assert.Equal(t, "C123", n.ChannelID)
		assert.Equal(t, "1700000000.000100", n.Timestamp)
		require.Len(t, n.Blocks, 2)
		assert.True(t, n.Blocks[1].IsSection())
		assert.Equal(t, "<https://linear.app/acme/issue/PROJ-42|PROJ-42 Fix login>", n.Blocks[1].Text)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for message event")
	}
	select {
	case event := <-mentions:
		assert.Equal(t, "U1", event.User)
		assert.Equal(t, "C9", event.Channel)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for mention event")
	}
	assert.Equal(t, "env-1", <-acks)
	assert.Equal(t, "env-2", <-acks)
	assert.Equal(t, int32(1), ready.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

func TestSocketClientReconnectsOnDisconnect(t *testing.T) {
	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		n := connections.Add(1)
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"hello"}`))
		if n == 1 {
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"disconnect","reason":"refresh_requested"}`))
		}
		drain(ctx, conn)
	}))
	defer server.Close()

	readyCh := make(chan struct{}, 4)
	var disconnects atomic.Int32
	connector := &fakeConnector{url: wsURL(server)}
	client := NewSocketClient(SocketClientOptions{
		Connector:    connector,
		OnReady:      func() { readyCh <- struct{}{} },
		OnDisconnect: func() { disconnects.Add(1) },
		MinBackoff:   time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-readyCh:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for hello %d", i+1)
		}
	}
	assert.GreaterOrEqual(t, connector.calls.Load(), int32(2))
	assert.GreaterOrEqual(t, disconnects.Load(), int32(1))

	cancel()
	require.NoError(t, <-done)
}

func TestSocketClientInitialConnectFailureIsFatal(t *testing.T) {
	connector := &fakeConnector{err: &APIError{Method: "apps.connections.open", Code: "invalid_auth"}}
	client := NewSocketClient(SocketClientOptions{Connector: connector})

	err := client.Run(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, int32(1), connector.calls.Load())
}

func TestNextBackoffIsCapped(t *testing.T) {
	client := NewSocketClient(SocketClientOptions{MinBackoff: time.Second, MaxBackoff: 5 * time.Second})
	assert.Equal(t, time.Second, client.nextBackoff(0))
	assert.Equal(t, 2*time.Second, client.nextBackoff(time.Second))
	assert.Equal(t, 5*time.Second, client.nextBackoff(4*time.Second))
}
