package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"

	"github.com/bryanwahyu/cardscan/internal/domain/vision"
	"github.com/bryanwahyu/cardscan/internal/infra/ai/prompt"
)

const (
	defaultModel    = "gemini-1.5-pro"
	maxOutputTokens = 1500
)

// Config selects the Vertex AI project and model.
type Config struct {
	ProjectID       string
	Region          string
	Model           string
	CredentialsFile string
}

// generator is the slice of *genai.GenerativeModel the backend needs.
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Client is the Gemini vision backend on Vertex AI.
type Client struct {
	model      generator
	baseClient *genai.Client
}

// NewClient creates a Vertex client with a JSON-only, temperature 0 model.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ProjectID == "" || cfg.Region == "" {
		return nil, fmt.Errorf("google vision: project and region cannot be empty")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	baseClient, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Region, opts...)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	name := cfg.Model
	if name == "" {
		name = defaultModel
	}
	model := baseClient.GenerativeModel(name)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(prompt.GetSystemPrompt())},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
		MaxOutputTokens:  genai.Ptr[int32](maxOutputTokens),
	}
	return &Client{model: model, baseClient: baseClient}, nil
}

func (c *Client) ID() vision.BackendID { return vision.BackendGoogle }

func (c *Client) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// Recognize sends the photo inline and parses the JSON answer.
func (c *Client) Recognize(ctx context.Context, img vision.Image) (vision.Recognition, error) {
	format := strings.TrimPrefix(img.ContentType, "image/")
	if format == "" {
		format = "jpeg"
	}
	resp, err := c.model.GenerateContent(ctx,
		genai.ImageData(format, img.Data),
		genai.Text(prompt.GetUserPrompt(img.ContentType)),
	)
	if err != nil {
		return vision.Recognition{}, vision.Fail(vision.BackendGoogle, classify(err), err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return vision.Recognition{}, vision.Fail(vision.BackendGoogle, vision.KindMalformed, errors.New("no response from Gemini"))
	}

	var raw strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			raw.WriteString(string(txt))
		}
	}
	if raw.Len() == 0 {
		return vision.Recognition{}, vision.Fail(vision.BackendGoogle, vision.KindMalformed,
			fmt.Errorf("empty response (finish_reason=%v)", resp.Candidates[0].FinishReason))
	}

	cands, err := prompt.ParseCandidates(raw.String())
	if err != nil {
		return vision.Recognition{Raw: raw.String()}, vision.Fail(vision.BackendGoogle, vision.KindMalformed, err)
	}
	return vision.Recognition{Candidates: cands, Raw: raw.String()}, nil
}

// classify maps gRPC status text onto an ErrorKind.
func classify(err error) vision.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return vision.KindTimeout
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Unauthenticated"), strings.Contains(msg, "PermissionDenied"):
		return vision.KindAuth
	case strings.Contains(msg, "ResourceExhausted"):
		return vision.KindQuota
	case strings.Contains(msg, "DeadlineExceeded"):
		return vision.KindTimeout
	case strings.Contains(msg, "Unavailable"), strings.Contains(msg, "Internal"):
		return vision.KindUnavailable
	default:
		return vision.KindRequest
	}
}
