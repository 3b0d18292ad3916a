package slack

import (
	"encoding/json"
	"strings"

	"github.com/agentworkforce/linearsync/internal/notify"
)

// Envelope is a Socket Mode frame.
type Envelope struct {
	Type                   string          `json:"type"`
	EnvelopeID             string          `json:"envelope_id,omitempty"`
	Payload                json.RawMessage `json:"payload,omitempty"`
	RetryAttempt           int             `json:"retry_attempt,omitempty"`
	RetryReason            string          `json:"retry_reason,omitempty"`
	Reason                 string          `json:"reason,omitempty"`
	AcceptsResponsePayload bool            `json:"accepts_response_payload,omitempty"`
}

const (
	envelopeHello      = "hello"
	envelopeDisconnect = "disconnect"
	envelopeEventsAPI  = "events_api"
)

type ack struct {
	EnvelopeID string `json:"envelope_id"`
}

type eventCallback struct {
	Type   string          `json:"type"`
	TeamID string          `json:"team_id,omitempty"`
	Event  json.RawMessage `json:"event"`
}

type eventHeader struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
}

type TextObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type LayoutBlock struct {
	Type string      `json:"type"`
	Text *TextObject `json:"text,omitempty"`
}

type Attachment struct {
	Fallback string        `json:"fallback,omitempty"`
	Blocks   []LayoutBlock `json:"blocks,omitempty"`
}

// MessageEvent is the subset of a Slack message event the relay reads.
type MessageEvent struct {
	Type        string       `json:"type"`
	Subtype     string       `json:"subtype,omitempty"`
	User        string       `json:"user,omitempty"`
	BotID       string       `json:"bot_id,omitempty"`
	Channel     string       `json:"channel"`
	TS          string       `json:"ts"`
	ThreadTS    string       `json:"thread_ts,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Notification converts the event to the relay's input shape. Only the
// first attachment's blocks carry issue notifications.
func (e MessageEvent) Notification() notify.Notification {
	n := notify.Notification{
		SenderID:  strings.TrimSpace(e.BotID),
		ChannelID: e.Channel,
		Timestamp: e.TS,
	}
	if len(e.Attachments) == 0 {
		return n
	}
	for _, b := range e.Attachments[0].Blocks {
		block := notify.Block{Kind: notify.BlockKind(b.Type)}
		if b.Text != nil {
			block.Text = b.Text.Text
		}
		n.Blocks = append(n.Blocks, block)
	}
	return n
}

type MentionEvent struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	Text     string `json:"text,omitempty"`
}
