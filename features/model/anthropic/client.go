// Package anthropic serves model.generate with the Anthropic Claude Messages
// API through github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/toolcore/features/model"
	"goa.design/toolcore/runtime/agent/tools"
)

// DefaultMaxTokens caps completions when Options.MaxTokens is not set.
const DefaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass either a
	// real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is the Claude model used when the input carries no
		// modelRef, for example string(sdk.ModelClaudeSonnet4_5_20250929).
		DefaultModel string
		// MaxTokens caps the completion. Defaults to DefaultMaxTokens.
		MaxTokens int
		// Temperature is sent when positive.
		Temperature float64
	}

	// Client implements model.Generator on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

var _ model.Generator = (*Client)(nil)

// New builds an Anthropic-backed generator from the provided Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       maxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a generator using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Generate sends the prompt as a single user message and returns the
// concatenated text blocks of the reply.
func (c *Client) Generate(ctx context.Context, in tools.ModelGenerateInput) (tools.ModelGenerateOutput, error) {
	if in.Prompt == "" {
		return tools.ModelGenerateOutput{}, errors.New("anthropic: prompt is required")
	}
	modelID := in.ModelRef
	if modelID == "" {
		modelID = c.defaultModel
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTok),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(in.Prompt))},
		Model:     sdk.Model(modelID),
	}
	if in.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: in.SystemPrompt}}
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return tools.ModelGenerateOutput{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return tools.ModelGenerateOutput{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

func translateResponse(msg *sdk.Message) (tools.ModelGenerateOutput, error) {
	if msg == nil {
		return tools.ModelGenerateOutput{}, errors.New("anthropic: response message is nil")
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return tools.ModelGenerateOutput{Text: b.String()}, nil
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return errors.Is(err, model.ErrRateLimited)
}
