package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const socketReadLimit = 1 << 20

var errReconnectRequested = errors.New("slack requested reconnect")

// Connector returns a fresh Socket Mode websocket URL.
type Connector interface {
	OpenConnection(ctx context.Context) (string, error)
}

type SocketClientOptions struct {
	Connector Connector
	Logger    *slog.Logger

	// Handlers run on the read loop and must not block.
	OnMessage func(ctx context.Context, event MessageEvent, retryAttempt int)
	OnMention func(ctx context.Context, event MentionEvent)

	OnReady      func()
	OnDisconnect func()

	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	DialOptions *websocket.DialOptions
}

// SocketClient receives Events API payloads over Socket Mode.
type SocketClient struct {
	connector    Connector
	logger       *slog.Logger
	onMessage    func(ctx context.Context, event MessageEvent, retryAttempt int)
	onMention    func(ctx context.Context, event MentionEvent)
	onReady      func()
	onDisconnect func()
	minBackoff   time.Duration
	maxBackoff   time.Duration
	dialOptions  *websocket.DialOptions
}

func NewSocketClient(opts SocketClientOptions) *SocketClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	return &SocketClient{
		connector:    opts.Connector,
		logger:       logger,
		onMessage:    opts.OnMessage,
		onMention:    opts.OnMention,
		onReady:      opts.OnReady,
		onDisconnect: opts.OnDisconnect,
		minBackoff:   minBackoff,
		maxBackoff:   maxBackoff,
		dialOptions:  opts.DialOptions,
	}
}

// Run connects and serves until ctx is cancelled. A failure to establish the
// first connection is returned; later failures are retried with capped
// exponential backoff.
func (c *SocketClient) Run(ctx context.Context) error {
	if c.connector == nil {
		return fmt.Errorf("slack socket mode: connector is required")
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return fmt.Errorf("slack socket mode connect: %w", err)
	}
	for {
		err := c.serve(ctx, conn)
		if c.onDisconnect != nil {
			c.onDisconnect()
		}
		if ctx.Err() != nil {
			return nil
		}
		delay := c.minBackoff
		if errors.Is(err, errReconnectRequested) {
			c.logger.Info("slack socket mode reconnecting")
			delay = 0
		} else {
			c.logger.Warn("slack socket mode connection lost", "err", err)
		}
		for {
			if delay > 0 {
				if waitErr := sleepContext(ctx, delay); waitErr != nil {
					return nil
				}
			}
			conn, err = c.connect(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("slack socket mode reconnect failed", "err", err)
			delay = c.nextBackoff(delay)
		}
	}
}

func (c *SocketClient) nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return c.minBackoff
	}
	next := current * 2
	if next > c.maxBackoff {
		return c.maxBackoff
	}
	return next
}

func (c *SocketClient) connect(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.connector.OpenConnection(ctx)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, c.dialOptions)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(socketReadLimit)
	return conn, nil
}

func (c *SocketClient) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.CloseNow()
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		if env.EnvelopeID != "" {
			if err := wsjson.Write(ctx, conn, ack{EnvelopeID: env.EnvelopeID}); err != nil {
				return err
			}
		}
		switch env.Type {
		case envelopeHello:
			c.logger.Info("slack socket mode connected")
			if c.onReady != nil {
				c.onReady()
			}
		case envelopeDisconnect:
			c.logger.Debug("slack disconnect frame", "reason", env.Reason)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return errReconnectRequested
		case envelopeEventsAPI:
			c.dispatch(ctx, env)
		default:
			c.logger.Debug("ignoring slack envelope", "type", env.Type)
		}
	}
}

func (c *SocketClient) dispatch(ctx context.Context, env Envelope) {
	var callback eventCallback
	if err := json.Unmarshal(env.Payload, &callback); err != nil {
		c.logger.Warn("invalid events_api payload", "envelope_id", env.EnvelopeID, "err", err)
		return
	}
	var header eventHeader
	if err := json.Unmarshal(callback.Event, &header); err != nil {
		c.logger.Warn("invalid slack event", "envelope_id", env.EnvelopeID, "err", err)
		return
	}
	switch header.Type {
	case "message":
		if c.onMessage == nil {
			return
		}
		var event MessageEvent
		if err := json.Unmarshal(callback.Event, &event); err != nil {
			c.logger.Warn("invalid slack message event", "envelope_id", env.EnvelopeID, "err", err)
			return
		}
		c.onMessage(ctx, event, env.RetryAttempt)
	case "app_mention":
		if c.onMention == nil {
			return
		}
		var event MentionEvent
		if err := json.Unmarshal(callback.Event, &event); err != nil {
			c.logger.Warn("invalid slack app_mention event", "envelope_id", env.EnvelopeID, "err", err)
			return
		}
		c.onMention(ctx, event)
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
