package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wesm/stalewatch/internal/resilience"
)

// DefaultResendURL is the Resend API base URL
const DefaultResendURL = "https://api.resend.com"

// ResendClient sends email through the Resend HTTP API
type ResendClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// ResendOption customizes a ResendClient
type ResendOption func(*ResendClient)

// WithResendBaseURL points the client at another API host
func WithResendBaseURL(u string) ResendOption {
	return func(c *ResendClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithResendHTTPClient sets the HTTP client used for API calls
func WithResendHTTPClient(hc *http.Client) ResendOption {
	return func(c *ResendClient) { c.httpClient = hc }
}

// WithResendLogger sets the client's logger
func WithResendLogger(l *zap.Logger) ResendOption {
	return func(c *ResendClient) { c.logger = l }
}

// NewResendClient creates a client authenticated with apiKey
func NewResendClient(apiKey string, opts ...ResendOption) *ResendClient {
	c := &ResendClient{
		apiKey:     apiKey,
		baseURL:    DefaultResendURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resendRequest struct {
	From    string      `json:"from"`
	To      []string    `json:"to"`
	Subject string      `json:"subject"`
	HTML    string      `json:"html,omitempty"`
	Text    string      `json:"text,omitempty"`
	Tags    []resendTag `json:"tags,omitempty"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Send posts the message to the Resend API. Failures are tagged with a
// resilience kind so the caller's retrier can decide what to do.
func (c *ResendClient) Send(ctx context.Context, msg Message) (string, error) {
	const op = "resend send"

	payload := resendRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	}
	names := make([]string, 0, len(msg.Tags))
	for name := range msg.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		payload.Tags = append(payload.Tags, resendTag{Name: name, Value: msg.Tags[name]})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", resilience.Wrap(resilience.KindValidation, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", resilience.Wrap(resilience.KindValidation, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", resilience.Wrap(resilience.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resilience.Wrap(resilience.KindNetwork, op, err)
	}

	var decoded resendResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode < 300 {
			return "", resilience.Wrap(resilience.KindUpstream, op, fmt.Errorf("invalid response body: %w", err))
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if decoded.ID == "" {
			return "", resilience.NewError(resilience.KindUpstream, op, "response missing message id")
		}
		c.logger.Debug("email accepted", zap.String("id", decoded.ID), zap.String("to", msg.To))
		return decoded.ID, nil
	}

	return "", classifyStatus(op, resp, decoded)
}

func classifyStatus(op string, resp *http.Response, decoded resendResponse) error {
	detail := decoded.Message
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	var kind resilience.Kind
	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = resilience.KindAuth
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		kind = resilience.KindValidation
	case code == http.StatusTooManyRequests:
		kind = resilience.KindRateLimit
	case code >= 500:
		kind = resilience.KindUpstream
	default:
		kind = resilience.KindUnknown
	}

	e := resilience.NewError(kind, op, "%d %s", resp.StatusCode, detail)
	e.StatusCode = resp.StatusCode
	if kind == resilience.KindRateLimit {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}
