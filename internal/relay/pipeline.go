// Package relay links newly announced Linear issues to the Slack thread of
// the announcing message.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/agentworkforce/linearsync/internal/linear"
	"github.com/agentworkforce/linearsync/internal/notify"
	"github.com/agentworkforce/linearsync/internal/slack"
)

var ErrInvalidInput = errors.New("invalid input")

type Outcome string

const (
	OutcomeIgnoredSender Outcome = "ignored_sender"
	OutcomeNoIdentifier  Outcome = "no_identifier"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeNotFound      Outcome = "not_found"
	OutcomeResolveFailed Outcome = "resolve_failed"
	OutcomeLinked        Outcome = "linked"
	OutcomeLinkRejected  Outcome = "link_rejected"
	OutcomeLinkFailed    Outcome = "link_failed"
)

func (o Outcome) String() string {
	return string(o)
}

type IssueResolver interface {
	ResolveIssue(ctx context.Context, identifier notify.IssueIdentifier) (linear.IssueRef, error)
}

type ThreadLinker interface {
	LinkThread(ctx context.Context, issueID, threadURL string) (linear.LinkResult, error)
}

type PipelineOptions struct {
	Allowlist notify.Allowlist
	Resolver  IssueResolver
	Linker    ThreadLinker
	Workspace string
	Domain    string
	Recent    *RecentSet
	Logger    *slog.Logger
	NewRunID  func() string
}

// Pipeline runs one notification through filter, extract, resolve and link.
// It holds only read-only configuration plus the optional redelivery guard,
// so Handle may be called from many goroutines.
type Pipeline struct {
	allow     notify.Allowlist
	resolver  IssueResolver
	linker    ThreadLinker
	workspace string
	domain    string
	recent    *RecentSet
	logger    *slog.Logger
	newRunID  func() string
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Resolver == nil || opts.Linker == nil {
		return nil, ErrInvalidInput
	}
	workspace := strings.TrimSpace(opts.Workspace)
	if workspace == "" {
		return nil, ErrInvalidInput
	}
	domain := strings.TrimSpace(opts.Domain)
	if domain == "" {
		domain = slack.DefaultDomain
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newRunID := opts.NewRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}
	return &Pipeline{
		allow:     opts.Allowlist,
		resolver:  opts.Resolver,
		linker:    opts.Linker,
		workspace: workspace,
		domain:    domain,
		recent:    opts.Recent,
		logger:    logger,
		newRunID:  newRunID,
	}, nil
}

// Handle processes n and reports how the run ended. It never panics and
// never returns an error: every failure is logged and mapped to an Outcome.
func (p *Pipeline) Handle(ctx context.Context, n notify.Notification) (outcome Outcome) {
	logger := p.logger.With(
		"run_id", p.newRunID(),
		"channel", n.ChannelID,
		"ts", n.Timestamp,
		"sender", n.SenderID,
	)
	failed := OutcomeResolveFailed
	admitted := false
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sync run panicked", "panic", r, "stack", string(debug.Stack()))
			if admitted && failed == OutcomeResolveFailed {
				p.recent.Forget(n.Key())
			}
			outcome = failed
		}
	}()

	if !p.allow.IsEligible(n.SenderID) {
		logger.Debug("ignoring message from sender outside allow-list")
		return OutcomeIgnoredSender
	}
	identifier, ok := notify.Extract(n)
	if !ok {
		logger.Debug("no issue identifier in notification")
		return OutcomeNoIdentifier
	}
	logger = logger.With("issue", identifier.String())

	if !p.recent.Admit(n.Key()) {
		logger.Info("skipping redelivered notification")
		return OutcomeDuplicate
	}
	admitted = true
	logger.Info("processing unsynced linear issue")

	ref, err := p.resolver.ResolveIssue(ctx, identifier)
	if err != nil {
		if errors.Is(err, linear.ErrIssueNotFound) {
			logger.Info("linear issue not found")
			return OutcomeNotFound
		}
		p.recent.Forget(n.Key())
		logger.Error("linear issue lookup failed", "err", err)
		return OutcomeResolveFailed
	}

	failed = OutcomeLinkFailed
	threadURL := slack.ThreadURL(p.workspace, p.domain, n.ChannelID, n.Timestamp)
	logger = logger.With("issue_id", ref.ID, "thread_url", threadURL)
	result, err := p.linker.LinkThread(ctx, ref.ID, threadURL)
	if err != nil {
		logger.Error("linear thread link failed", "err", err)
		return OutcomeLinkFailed
	}
	if !result.Success {
		logger.Warn("linear rejected thread link")
		return OutcomeLinkRejected
	}
	logger.Info("synced issue with slack thread", "attachment_id", result.AttachmentID)
	return OutcomeLinked
}
