package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/linearsync/internal/linear"
	"github.com/agentworkforce/linearsync/internal/notify"
)

type fakeResolver struct {
	mu    sync.Mutex
	calls []notify.IssueIdentifier
	ref   linear.IssueRef
	err   error
	panic bool
}

func (f *fakeResolver) ResolveIssue(ctx context.Context, identifier notify.IssueIdentifier) (linear.IssueRef, error) {
	f.mu.Lock()
	f.calls = append(f.calls, identifier)
	f.mu.Unlock()
	if f.panic {
		panic("resolver exploded")
	}
	return f.ref, f.err
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type linkCall struct {
	IssueID   string
	ThreadURL string
}

type fakeLinker struct {
	mu     sync.Mutex
	calls  []linkCall
	result linear.LinkResult
	err    error
	panic  bool
}

func (f *fakeLinker) LinkThread(ctx context.Context, issueID, threadURL string) (linear.LinkResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, linkCall{IssueID: issueID, ThreadURL: threadURL})
	f.mu.Unlock()
	if f.panic {
		panic("linker exploded")
	}
	return f.result, f.err
}

func (f *fakeLinker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func issueNotification(sender, text string) notify.Notification {
	return notify.Notification{
		SenderID:  sender,
		ChannelID: "C123",
		Timestamp: "1700000000.000100",
		Blocks: []notify.Block{
			{Kind: "context", Text: "<https://tracker/other|OTHER-1>"},
			{Kind: notify.BlockSection, Text: text},
		},
	}
}

func newTestPipeline(t *testing.T, resolver *fakeResolver, linker *fakeLinker, logger *slog.Logger, recent *RecentSet) *Pipeline {
	t.Helper()
	if logger == nil {
		logger = discardLogger()
	}
	p, err := NewPipeline(PipelineOptions{
		Allowlist: notify.NewAllowlist([]string{"B_LINEAR", "B_LINEAR_ALERTS"}),
		Resolver:  resolver,
		Linker:    linker,
		Workspace: "acme",
		Domain:    "slack.com",
		Recent:    recent,
		Logger:    logger,
		NewRunID:  func() string { return "run-1" },
	})
	require.NoError(t, err)
	return p
}

func TestHandleLinksResolvedIssue(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	resolver := &fakeResolver{ref: linear.IssueRef{ID: "abc", Identifier: "PROJ-42", Title: "Fix bug"}}
	linker := &fakeLinker{result: linear.LinkResult{Success: true, AttachmentID: "att1"}}
	p := newTestPipeline(t, resolver, linker, logger, nil)

	outcome := p.Handle(context.Background(), issueNotification("B_LINEAR", "<https://tracker/issue|PROJ-42 Fix bug>"))
	assert.Equal(t, OutcomeLinked, outcome)

	assert.Equal(t, []notify.IssueIdentifier{"PROJ-42"}, resolver.calls)
	assert.Equal(t, []linkCall{{IssueID: "abc", ThreadURL: "https://acme.slack.com/archives/C123/p1700000000000100"}}, linker.calls)
	assert.Contains(t, logs.String(), "synced issue with slack thread")
	assert.Contains(t, logs.String(), "attachment_id=att1")
	assert.Contains(t, logs.String(), "run_id=run-1")
	assert.Contains(t, logs.String(), "issue=PROJ-42")
}

func TestHandleNotFoundSkipsLinker(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	resolver := &fakeResolver{err: linear.ErrIssueNotFound}
	linker := &fakeLinker{}
	p := newTestPipeline(t, resolver, linker, logger, nil)

	outcome := p.Handle(context.Background(), issueNotification("B_LINEAR", "<https://tracker/issue|PROJ-42 Fix bug>"))
	assert.Equal(t, OutcomeNotFound, outcome)
	assert.Equal(t, 1, resolver.callCount())
	assert.Equal(t, 0, linker.callCount())
	assert.Contains(t, logs.String(), "issue not found")
}

func TestHandleTransientResolveFailureSkipsLinker(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	resolver := &fakeResolver{err: &linear.TransientError{Operation: "GetIssue", StatusCode: 502}}
	linker := &fakeLinker{}
	p := newTestPipeline(t, resolver, linker, logger, nil)

	outcome := p.Handle(context.Background(), issueNotification("B_LINEAR", "<https://tracker/issue|PROJ-42 Fix bug>"))
	assert.Equal(t, OutcomeResolveFailed, outcome)
	assert.Equal(t, 0, linker.callCount())
	assert.Contains(t, logs.String(), "level=ERROR")
	assert.Contains(t, logs.String(), "issue=PROJ-42")
}

func TestHandleIneligibleSenderMakesNoCalls(t *testing.T) {
	for _, sender := range []string{"B_OTHER", "", "U_HUMAN"} {
		resolver := &fakeResolver{}
		linker := &fakeLinker{}
		p := newTestPipeline(t, resolver, linker, nil, nil)

		outcome := p.Handle(context.Background(), issueNotification(sender, "<https://tracker/issue|PROJ-42 Fix bug>"))
		assert.Equal(t, OutcomeIgnoredSender, outcome, "sender %q", sender)
		assert.Equal(t, 0, resolver.callCount())
		assert.Equal(t, 0, linker.callCount())
	}
}

func TestHandleEmptyAllowlistAdmitsNothing(t *testing.T) {
	resolver := &fakeResolver{}
	linker := &fakeLinker{}
	p, err := NewPipeline(PipelineOptions{
		Resolver:  resolver,
		Linker:    linker,
		Workspace: "acme",
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	outcome := p.Handle(context.Background(), issueNotification("B_LINEAR", "<https://tracker/issue|PROJ-42 Fix bug>"))
	assert.Equal(t, OutcomeIgnoredSender, outcome)
	assert.Equal(t, 0, resolver.callCount())
}

func TestHandleWithoutIdentifierMakesNoCalls(t *testing.T) {
	texts := []string{
		"",
		"Issue synced already",
		"<https://tracker/issue>",
		"<https://tracker/issue|Fix bug PROJ-42>",
		"<https://tracker/issue|proj-42 lowercase>",
		"<https://tracker/issue|PROJ-42",
	}
	for _, text := range texts {
		resolver := &fakeResolver{}
		linker := &fakeLinker{}
		p := newTestPipeline(t, resolver, linker, nil, nil)

		outcome := p.Handle(context.Background(), issueNotification("B_LINEAR", text))
		assert.Equal(t, OutcomeNoIdentifier, outcome, "text %q", text)
		assert.Equal(t, 0, resolver.callCount(), "text %q", text)
		assert.Equal(t, 0, linker.callCount(), "text %q", text)
	}
}

func TestHandleLinkOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		linker *fakeLinker
		want   Outcome
	}{
		{name: "rejected", linker: &fakeLinker{result: linear.LinkResult{Success: false}}, want: OutcomeLinkRejected},
		{name: "transient", linker: &fakeLinker{err: &linear.TransientError{Operation: "AttachmentLinkSlack"}}, want: OutcomeLinkFailed},
		{name: "panic", linker: &fakeLinker{panic: true}, want: OutcomeLinkFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resolver := &fakeResolver{ref: linear.IssueRef{ID: "abc", Identifier: "PROJ-42"}}
			p := newTestPipeline(t, resolver, tc.linker, nil, nil)

			outcome := p.Handle(context.Background(), issueNotification("B_LINEAR", "<https://tracker/issue|PROJ-42 Fix bug>"))
			assert.Equal(t, tc.want, outcome)
			assert.Equal(t, 1, tc.linker.callCount())
		})
	}
}

func TestHandleRecoversResolverPanic(t *testing.T) {
	resolver := &fakeResolver{panic: true}
	linker := &fakeLinker{}
	recent := NewRecentSet(time.Minute, 0)
	p := newTestPipeline(t, resolver, linker, nil, recent)

	n := issueNotification("B_LINEAR", "<https://tracker/issue|PROJ-42 Fix bug>")
	assert.Equal(t, OutcomeResolveFailed, p.Handle(context.Background(), n))
	assert.Equal(t, 0, linker.callCount())
	assert.Equal(t, 0, recent.Len(), "failed resolve should allow redelivery")
}

func TestHandleSuppressesRedelivery(t *testing.T) {
	resolver := &fakeResolver{ref: linear.IssueRef{ID: "abc", Identifier: "PROJ-42"}}
	linker := &fakeLinker{result: linear.LinkResult{Success: true, AttachmentID: "att1"}}
	p := newTestPipeline(t, resolver, linker, nil, NewRecentSet(time.Minute, 0))

	n := issueNotification("B_LINEAR", "<https://tracker/issue|PROJ-42 Fix bug>")
	assert.Equal(t, OutcomeLinked, p.Handle(context.Background(), n))
	assert.Equal(t, OutcomeDuplicate, p.Handle(context.Background(), n))
	assert.Equal(t, 1, resolver.callCount())
	assert.Equal(t, 1, linker.callCount())

	other := n
	other.Timestamp = "1700000001.000200"
	assert.Equal(t, OutcomeLinked, p.Handle(context.Background(), other))
	assert.Equal(t, 2, linker.callCount())
}

func TestHandleRetriesAfterTransientResolveFailure(t *testing.T) {
	resolver := &fakeResolver{err: &linear.TransientError{Operation: "GetIssue"}}
	linker := &fakeLinker{result: linear.LinkResult{Success: true}}
	p := newTestPipeline(t, resolver, linker, nil, NewRecentSet(time.Minute, 0))

	n := issueNotification("B_LINEAR", "<https://tracker/issue|PROJ-42 Fix bug>")
	assert.Equal(t, OutcomeResolveFailed, p.Handle(context.Background(), n))

	resolver.err = nil
	resolver.ref = linear.IssueRef{ID: "abc", Identifier: "PROJ-42"}
	assert.Equal(t, OutcomeLinked, p.Handle(context.Background(), n))
}

func TestHandleWithoutGuardReprocessesRedelivery(t *testing.T) {
	resolver := &fakeResolver{ref: linear.IssueRef{ID: "abc", Identifier: "PROJ-42"}}
	linker := &fakeLinker{result: linear.LinkResult{Success: true}}
	p := newTestPipeline(t, resolver, linker, nil, nil)

	n := issueNotification("B_LINEAR", "<https://tracker/issue|PROJ-42 Fix bug>")
	p.Handle(context.Background(), n)
	p.Handle(context.Background(), n)
	assert.Equal(t, 2, linker.callCount())
}

func TestHandleConcurrentInvocations(t *testing.T) {
	resolver := &fakeResolver{ref: linear.IssueRef{ID: "abc", Identifier: "PROJ-42"}}
	linker := &fakeLinker{result: linear.LinkResult{Success: true}}
	p := newTestPipeline(t, resolver, linker, nil, NewRecentSet(time.Minute, 0))

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- p.Handle(context.Background(), issueNotification("B_LINEAR", "<https://tracker/issue|PROJ-42 Fix bug>"))
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[OutcomeLinked])
	assert.Equal(t, 31, counts[OutcomeDuplicate])
}

func TestNewPipelineValidatesOptions(t *testing.T) {
	_, err := NewPipeline(PipelineOptions{Linker: &fakeLinker{}, Workspace: "acme"})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = NewPipeline(PipelineOptions{Resolver: &fakeResolver{}, Linker: &fakeLinker{}, Workspace: " "})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}
