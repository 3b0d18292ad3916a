package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultAPIURL = "https://slack.com/api"

const maxResponseBytes = 1 << 20

var ErrMissingToken = errors.New("slack token is required")

// APIError is returned when the Web API answers with ok=false.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

type WebClientOptions struct {
	BaseURL    string
	AppToken   string
	BotToken   string
	HTTPClient *http.Client
}

// WebClient calls the few Web API methods the relay needs.
type WebClient struct {
	baseURL    string
	appToken   string
	botToken   string
	httpClient *http.Client
}

func NewWebClient(opts WebClientOptions) *WebClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &WebClient{
		baseURL:    baseURL,
		appToken:   strings.TrimSpace(opts.AppToken),
		botToken:   strings.TrimSpace(opts.BotToken),
		httpClient: httpClient,
	}
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// OpenConnection requests a Socket Mode websocket URL.
func (c *WebClient) OpenConnection(ctx context.Context) (string, error) {
	if c.appToken == "" {
		return "", fmt.Errorf("apps.connections.open: %w", ErrMissingToken)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/apps.connections.open", strings.NewReader(url.Values{}.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.appToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		apiResponse
		URL string `json:"url"`
	}
	if err := c.send(req, "apps.connections.open", &out); err != nil {
		return "", err
	}
	if !out.OK {
		return "", &APIError{Method: "apps.connections.open", Code: out.Error}
	}
	if strings.TrimSpace(out.URL) == "" {
		return "", fmt.Errorf("apps.connections.open: empty url")
	}
	return out.URL, nil
}

// PostMessage posts text into channel, threaded under threadTS when set.
func (c *WebClient) PostMessage(ctx context.Context, channel, text, threadTS string) error {
	if c.botToken == "" {
		return fmt.Errorf("chat.postMessage: %w", ErrMissingToken)
	}
	payload := map[string]string{
		"channel": channel,
		"text":    text,
	}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat.postMessage", bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.botToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	var out apiResponse
	if err := c.send(req, "chat.postMessage", &out); err != nil {
		return err
	}
	if !out.OK {
		return &APIError{Method: "chat.postMessage", Code: out.Error}
	}
	return nil
}

func (c *WebClient) send(req *http.Request, method string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("slack %s failed: status=%d message=%s", method, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("slack %s: decode response: %w", method, err)
	}
	return nil
}
