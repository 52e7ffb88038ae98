// Package llm wraps an OpenAI-compatible chat completion endpoint behind the
// single GenerateText capability used by the classifier cascade and the
// reply handlers.
//
// Every call runs against the primary model with a hard per-attempt timeout.
// On timeout or error it is retried once against the cheaper fallback tier;
// if that fails too the error is returned and callers degrade.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	openai "github.com/sashabaranov/go-openai"

	"github.com/tbourn/coach-intake/internal/config"
)

// Generator is the opaque text-generation capability.
type Generator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// GenerateText calls f.
func (f GeneratorFunc) GenerateText(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// ErrUnavailable is returned when no model is configured.
var ErrUnavailable = errors.New("llm: no model configured")

// ErrEmptyResponse is returned when the endpoint answers with no choices.
var ErrEmptyResponse = errors.New("llm: no response choices")

// Unavailable always fails with ErrUnavailable.
var Unavailable Generator = GeneratorFunc(func(context.Context, string) (string, error) {
	return "", ErrUnavailable
})

var llmCalls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "llm_requests_total",
		Help: "Chat completion attempts by model tier and outcome.",
	},
	[]string{"tier", "outcome"},
)

func init() {
	prometheus.MustRegister(llmCalls)
}

// completer is the subset of *openai.Client used here.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client implements Generator on top of go-openai.
type Client struct {
	api      completer
	primary  string
	fallback string
	timeout  time.Duration

	System      string
	Temperature float32
	MaxTokens   int
}

// New builds a Client from configuration. It returns Unavailable when no API
// key is set so the service still boots in heuristic-only mode.
func New(cfg config.LLMConfig) Generator {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return Unavailable
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return newClient(openai.NewClientWithConfig(oc), cfg)
}

func newClient(api completer, cfg config.LLMConfig) *Client {
	return &Client{
		api:         api,
		primary:     cfg.Model,
		fallback:    cfg.FallbackModel,
		timeout:     cfg.Timeout,
		System:      "You are a concise, friendly fitness coach's assistant.",
		Temperature: 0.2,
		MaxTokens:   400,
	}
}

// GenerateText sends prompt as a single user turn.
func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	out, err := c.attempt(ctx, "primary", c.primary, prompt)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil || c.fallback == "" || c.fallback == c.primary {
		return "", err
	}
	out, ferr := c.attempt(ctx, "fallback", c.fallback, prompt)
	if ferr != nil {
		return "", fmt.Errorf("primary: %v; fallback: %w", err, ferr)
	}
	return out, nil
}

func (c *Client) attempt(ctx context.Context, tier, model, prompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if c.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		llmCalls.WithLabelValues(tier, outcome).Inc()
		return "", fmt.Errorf("chat completion (%s): %w", model, err)
	}
	if len(resp.Choices) == 0 {
		llmCalls.WithLabelValues(tier, "empty").Inc()
		return "", ErrEmptyResponse
	}
	llmCalls.WithLabelValues(tier, "ok").Inc()
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
