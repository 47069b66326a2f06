package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/bryanwahyu/cardscan/internal/domain/vision"
	"github.com/bryanwahyu/cardscan/internal/infra/ai/prompt"
)

const (
	maxTokens    = 1500
	defaultModel = "gpt-4o"
)

// Client is the OpenAI vision backend.
type Client struct {
	*openai.Client
	Model string
	Seed  int
}

// NewClient builds a backend for apiKey. baseURL overrides the API endpoint when set.
func NewClient(apiKey, model, baseURL string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{Client: openai.NewClientWithConfig(cfg), Model: model}
}

func (c *Client) ID() vision.BackendID { return vision.BackendOpenAI }

// Recognize sends the photo as a data URI and parses the JSON answer.
func (c *Client) Recognize(ctx context.Context, img vision.Image) (vision.Recognition, error) {
	model := c.Model
	if model == "" {
		model = defaultModel
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	dataURI := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(img.Data))

	seed := c.Seed
	req := openai.ChatCompletionRequest{
		Model: model,
		Seed:  &seed,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.GetSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt.GetUserPrompt(contentType)},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURI,
					Detail: openai.ImageURLDetailHigh,
				}},
			}},
		},
	}
	// For reasoning models (o1/o3/o4/gpt-5*) use MaxCompletionTokens instead of MaxTokens
	if isReasoningModel(model) {
		req.MaxCompletionTokens = maxTokens
	} else {
		req.MaxTokens = maxTokens
		// zero is dropped by omitempty and the API then samples at 1.0
		req.Temperature = math.SmallestNonzeroFloat32
	}

	resp, err := c.CreateChatCompletion(ctx, req)
	if err != nil {
		return vision.Recognition{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return vision.Recognition{}, vision.Fail(vision.BackendOpenAI, vision.KindMalformed, errors.New("response has no choices"))
	}

	content := resp.Choices[0].Message.Content
	cands, err := prompt.ParseCandidates(content)
	if err != nil {
		return vision.Recognition{Raw: content}, vision.Fail(vision.BackendOpenAI, vision.KindMalformed, err)
	}
	return vision.Recognition{Candidates: cands, Raw: content}, nil
}

func isReasoningModel(model string) bool {
	for _, p := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

func classify(err error) error {
	kind := vision.KindRequest
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = vision.KindTimeout
	case errors.As(err, &apiErr):
		kind = kindForStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code == "insufficient_quota" {
			kind = vision.KindQuota
		}
	case errors.As(err, &reqErr):
		kind = kindForStatus(reqErr.HTTPStatusCode)
	default:
		kind = vision.KindUnavailable
	}
	return vision.Fail(vision.BackendOpenAI, kind, err)
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
		return vision.KindUnavailable
	default:
		return vision.KindRequest
	}
}
