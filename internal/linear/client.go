package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/linearsync/internal/notify"
)

const DefaultEndpoint = "https://api.linear.app/graphql"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// IssueRef is the tracker's view of an issue looked up by identifier.
type IssueRef struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
}

// LinkResult is the outcome of an attachmentLinkSlack mutation that the
// tracker answered without errors.
type LinkResult struct {
	Success      bool
	AttachmentID string
}

type ClientOptions struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
	UserAgent  string
	Logger     *slog.Logger
}

type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

func NewClient(opts ClientOptions) *Client {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		logger:     logger,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// Errors is a pointer so an empty "errors" array is told apart from an
// absent one.
type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors *[]GraphQLError `json:"errors"`
}

func (r graphQLResponse) firstError() *GraphQLError {
	if r.Errors == nil {
		return nil
	}
	return firstGraphQLError(*r.Errors)
}

// ResolveIssue looks up the tracker's internal ID for a human-readable
// identifier. It makes exactly one request.
func (c *Client) ResolveIssue(ctx context.Context, identifier notify.IssueIdentifier) (IssueRef, error) {
	if strings.TrimSpace(identifier.String()) == "" {
		return IssueRef{}, ErrInvalidInput
	}
	const op = "GetIssue"
	resp, err := c.do(ctx, op, issueResponseSchema, getIssueQuery, map[string]any{"issueId": identifier.String()})
	if err != nil {
		c.logger.Debug("linear issue lookup failed", "issue", identifier.String(), "err", err)
		return IssueRef{}, err
	}
	if gqlErr := resp.firstError(); gqlErr != nil {
		if gqlErr.reportsNotFound() {
			return IssueRef{}, ErrIssueNotFound
		}
		err := &TransientError{Operation: op, Err: gqlErr}
		c.logger.Debug("linear issue lookup failed", "issue", identifier.String(), "err", err)
		return IssueRef{}, err
	}

	var data struct {
		Issue json.RawMessage `json:"issue"`
	}
	if len(resp.Data) == 0 || bytes.Equal(resp.Data, []byte("null")) {
		err := &TransientError{Operation: op, Message: "response has no data"}
		c.logger.Debug("linear issue lookup failed", "issue", identifier.String(), "err", err)
		return IssueRef{}, err
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return IssueRef{}, &TransientError{Operation: op, Err: err}
	}
	if data.Issue == nil {
		err := &TransientError{Operation: op, Message: "response has no issue field"}
		c.logger.Debug("linear issue lookup failed", "issue", identifier.String(), "err", err)
		return IssueRef{}, err
	}
	if bytes.Equal(data.Issue, []byte("null")) {
		return IssueRef{}, ErrIssueNotFound
	}
	var ref IssueRef
	if err := json.Unmarshal(data.Issue, &ref); err != nil {
		return IssueRef{}, &TransientError{Operation: op, Err: err}
	}
	return ref, nil
}

// LinkThread asks the tracker to attach a Slack thread to an issue and sync
// comments into it. The mutation is not idempotent; callers must not retry
// blindly.
func (c *Client) LinkThread(ctx context.Context, issueID, threadURL string) (LinkResult, error) {
	issueID = strings.TrimSpace(issueID)
	threadURL = strings.TrimSpace(threadURL)
	if issueID == "" || threadURL == "" {
		return LinkResult{}, ErrInvalidInput
	}
	const op = "AttachmentLinkSlack"
	resp, err := c.do(ctx, op, attachmentLinkResponseSchema, attachmentLinkSlackMutation, map[string]any{
		"issueId": issueID,
		"url":     threadURL,
	})
	if err != nil {
		c.logger.Debug("linear thread link failed", "issue_id", issueID, "err", err)
		return LinkResult{}, err
	}
	// Any errors field fails the link, even an empty one.
	if resp.Errors != nil {
		err := &TransientError{Operation: op, Message: "response carries an empty errors list"}
		if gqlErr := resp.firstError(); gqlErr != nil {
			err = &TransientError{Operation: op, Err: gqlErr}
		}
		c.logger.Debug("linear thread link failed", "issue_id", issueID, "err", err)
		return LinkResult{}, err
	}

	var data struct {
		AttachmentLinkSlack *struct {
			Success    bool `json:"success"`
			Attachment *struct {
				ID string `json:"id"`
			} `json:"attachment"`
		} `json:"attachmentLinkSlack"`
	}
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return LinkResult{}, &TransientError{Operation: op, Err: err}
		}
	}
	if data.AttachmentLinkSlack == nil {
		err := &TransientError{Operation: op, Message: "response has no attachmentLinkSlack payload"}
		c.logger.Debug("linear thread link failed", "issue_id", issueID, "err", err)
		return LinkResult{}, err
	}
	result := LinkResult{Success: data.AttachmentLinkSlack.Success}
	if data.AttachmentLinkSlack.Attachment != nil {
		result.AttachmentID = data.AttachmentLinkSlack.Attachment.ID
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, op, schema, query string, variables map[string]any) (graphQLResponse, error) {
	if c == nil {
		return graphQLResponse{}, fmt.Errorf("linear client is nil")
	}
	bodyBytes, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return graphQLResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return graphQLResponse{}, err
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return graphQLResponse{}, &TransientError{Operation: op, Err: err}
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if readErr != nil {
		return graphQLResponse{}, &TransientError{Operation: op, StatusCode: resp.StatusCode, Err: readErr}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return graphQLResponse{}, &TransientError{
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    truncate(strings.TrimSpace(string(respBody)), 256),
		}
	}
	if err := validateResponse(schema, respBody); err != nil {
		return graphQLResponse{}, &TransientError{Operation: op, StatusCode: resp.StatusCode, Message: "unexpected response shape", Err: err}
	}
	var parsed graphQLResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return graphQLResponse{}, &TransientError{Operation: op, StatusCode: resp.StatusCode, Err: err}
	}
	return parsed, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
