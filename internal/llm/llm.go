// Package llm streams chat completions from the supported model vendors
// behind one interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderClaude Provider = "claude"
	ProviderGemini Provider = "gemini"
)

// ErrUnknownProvider is returned for providers that are not configured.
var ErrUnknownProvider = errors.New("unknown provider")

// Info describes a provider for clients choosing one.
type Info struct {
	ID    Provider `json:"id"`
	Name  string   `json:"name"`
	Model string   `json:"model"`
}

// Stream yields text chunks until io.EOF. Close releases the underlying
// connection and may be called at any point to stop reading.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// StreamingCompletion starts one streamed completion.
type StreamingCompletion interface {
	Info() Info
	Start(ctx context.Context, systemPrompt, userMessage string) (Stream, error)
}

const defaultMaxTokens = 8192

// Settings configure one vendor.
type Settings struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

var defaults = map[Provider]struct {
	name    string
	model   string
	baseURL string
}{
	ProviderOpenAI: {name: "OpenAI", model: openai.GPT4o},
	ProviderClaude: {name: "Claude", model: "claude-sonnet-4-5", baseURL: "https://api.anthropic.com/v1/"},
	ProviderGemini: {name: "Gemini", model: "gemini-2.5-flash", baseURL: "https://generativelanguage.googleapis.com/v1beta/openai/"},
}

// chatClient speaks the OpenAI chat completions protocol. Claude and Gemini
// both expose compatible endpoints, so one client type covers all three.
type chatClient struct {
	info      Info
	client    *openai.Client
	maxTokens int
}

// NewChatClient builds a StreamingCompletion for provider. Empty settings
// fields take the provider defaults.
func NewChatClient(provider Provider, settings Settings) (StreamingCompletion, error) {
	def, ok := defaults[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if strings.TrimSpace(settings.APIKey) == "" {
		return nil, fmt.Errorf("%s: api key is required", provider)
	}

	cfg := openai.DefaultConfig(settings.APIKey)
	baseURL := firstNonEmpty(settings.BaseURL, def.baseURL)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	maxTokens := settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &chatClient{
		info: Info{
			ID:    provider,
			Name:  def.name,
			Model: firstNonEmpty(settings.Model, def.model),
		},
		client:    openai.NewClientWithConfig(cfg),
		maxTokens: maxTokens,
	}, nil
}

func (c *chatClient) Info() Info {
	return c.info
}

func (c *chatClient) Start(ctx context.Context, systemPrompt, userMessage string) (Stream, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     c.info.Model,
		MaxTokens: c.maxTokens,
		Stream:    true,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMessage},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s stream: %w", c.info.ID, err)
	}
	return &chatStream{stream: stream}, nil
}

type chatStream struct {
	stream *openai.ChatCompletionStream
}

// Recv skips keep-alive and role-only deltas so callers only see text.
func (s *chatStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if content := resp.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}
}

func (s *chatStream) Close() error {
	return s.stream.Close()
}

// Registry holds the configured providers.
type Registry struct {
	providers map[Provider]StreamingCompletion
	fallback  Provider
}

func NewRegistry(fallback Provider, clients ...StreamingCompletion) *Registry {
	r := &Registry{providers: make(map[Provider]StreamingCompletion, len(clients)), fallback: fallback}
	for _, c := range clients {
		if c == nil {
			continue
		}
		r.providers[c.Info().ID] = c
	}
	return r
}

// Get returns the named provider, or the fallback when name is empty.
func (r *Registry) Get(name string) (StreamingCompletion, error) {
	provider := Provider(strings.ToLower(strings.TrimSpace(name)))
	if provider == "" {
		provider = r.fallback
	}
	c, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return c, nil
}

// Available lists configured providers in a stable order.
func (r *Registry) Available() []Info {
	out := make([]Info, 0, len(r.providers))
	for _, c := range r.providers {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
