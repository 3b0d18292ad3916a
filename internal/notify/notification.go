// Package notify models the chat notifications that announce newly created
// Linear issues and extracts the issue identifier they carry.
//
// Everything in this package is pure: no I/O, no logging, no shared state.
package notify

import (
	"strings"
)

type BlockKind string

const (
	BlockSection BlockKind = "section"
)

// Block is one rich content block attached to a notification. Only section
// blocks carry text the extractor looks at; every other kind is opaque.
type Block struct {
	Kind BlockKind `json:"type"`
	Text string    `json:"text,omitempty"`
}

func (b Block) IsSection() bool {
	return b.Kind == BlockSection
}

// Notification is an inbound chat message from a bot account. It lives for
// the duration of a single pipeline run.
type Notification struct {
	SenderID  string  `json:"senderId"`
	ChannelID string  `json:"channelId"`
	Timestamp string  `json:"ts"`
	Blocks    []Block `json:"blocks,omitempty"`
}

// Key identifies the originating message within the workspace.
func (n Notification) Key() string {
	return n.ChannelID + "|" + n.Timestamp
}

// IssueIdentifier is the tracker's human-readable key, e.g. "PROJ-123".
type IssueIdentifier string

func (id IssueIdentifier) String() string {
	return string(id)
}

// Allowlist is the set of sender identities whose messages are eligible
// for syncing. It is built once and never mutated, so concurrent reads are
// safe.
type Allowlist struct {
	ids map[string]struct{}
}

func NewAllowlist(ids []string) Allowlist {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return Allowlist{ids: set}
}

// IsEligible reports whether senderID is allow-listed. An empty allow-list
// admits nothing.
func (a Allowlist) IsEligible(senderID string) bool {
	if senderID == "" || len(a.ids) == 0 {
		return false
	}
	_, ok := a.ids[senderID]
	return ok
}

func (a Allowlist) Len() int {
	return len(a.ids)
}
