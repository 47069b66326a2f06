package claude

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bryanwahyu/cardscan/internal/domain/vision"
	"github.com/bryanwahyu/cardscan/internal/infra/ai/prompt"
)

const (
	defaultBaseURL     = "https://api.anthropic.com/v1/messages"
	defaultModel       = "claude-3-5-sonnet-20241022"
	apiVersion         = "2023-06-01"
	maxTokens          = 1500
	defaultHTTPTimeout = 60 * time.Second
	maxErrorBody       = 2048
)

// Config captures the runtime settings required to talk to the Messages API.
type Config struct {
	APIKey string
	Model  string
}

// Client is the Anthropic vision backend.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL points the client at another Messages endpoint (tests, proxies).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u = strings.TrimSpace(u); u != "" {
			c.baseURL = u
		}
	}
}

// NewClient constructs a Claude client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg: Config{
			APIKey: strings.TrimSpace(cfg.APIKey),
			Model:  strings.TrimSpace(cfg.Model),
		},
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.Model == "" {
		c.cfg.Model = defaultModel
	}
	return c
}

func (c *Client) ID() vision.BackendID { return vision.BackendClaude }

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("claude request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Recognize sends the photo as a base64 image block and parses the JSON answer.
func (c *Client) Recognize(ctx context.Context, img vision.Image) (vision.Recognition, error) {
	if c.cfg.APIKey == "" {
		return vision.Recognition{}, vision.Fail(vision.BackendClaude, vision.KindAuth, errors.New("api key required"))
	}
	mediaType := img.ContentType
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	payload := messagesRequest{
		Model:       c.cfg.Model,
		MaxTokens:   maxTokens,
		Temperature: 0,
		System:      prompt.GetSystemPrompt(),
		Messages: []message{{
			Role: "user",
			Content: []contentBlock{
				{Type: "image", Source: &imageSource{
					Type:      "base64",
					MediaType: mediaType,
					Data:      base64.StdEncoding.EncodeToString(img.Data),
				}},
				{Type: "text", Text: prompt.GetUserPrompt(mediaType)},
			},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return vision.Recognition{}, vision.Fail(vision.BackendClaude, vision.KindRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return vision.Recognition{}, vision.Fail(vision.BackendClaude, vision.KindRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return vision.Recognition{}, vision.Fail(vision.BackendClaude, transportKind(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		herr := &httpStatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
		return vision.Recognition{}, vision.Fail(vision.BackendClaude, kindForStatus(resp.StatusCode), herr)
	}

	var decoded messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return vision.Recognition{}, vision.Fail(vision.BackendClaude, vision.KindMalformed, fmt.Errorf("decode response: %w", err))
	}
	var text strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	raw := text.String()
	if strings.TrimSpace(raw) == "" {
		return vision.Recognition{}, vision.Fail(vision.BackendClaude, vision.KindMalformed,
			fmt.Errorf("empty content (stop_reason=%q)", decoded.StopReason))
	}

	cands, err := prompt.ParseCandidates(raw)
	if err != nil {
		return vision.Recognition{Raw: raw}, vision.Fail(vision.BackendClaude, vision.KindMalformed, err)
	}
	return vision.Recognition{Candidates: cands, Raw: raw}, nil
}

func transportKind(err error) vision.ErrorKind {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return vision.KindTimeout
	}
	return vision.KindUnavailable
}

func kindForStatus(status int) vision.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return vision.KindAuth
	case status == http.StatusTooManyRequests:
		return vision.KindQuota
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return vision.KindTimeout
	case status >= 500:
		// 529 is Anthropic's "overloaded"
		return vision.KindUnavailable
	default:
		return vision.KindRequest
	}
}
