package coach

import (
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"clarvoy/api/internal/aisafety"
	"clarvoy/api/internal/llm"
	"clarvoy/api/internal/metrics"
)

// UnavailableMessage is the only error text a client ever sees.
const UnavailableMessage = "AI coaching temporarily unavailable"

var ErrEmptyMessage = errors.New("message is required")

// Sink receives the stream. Disconnected is polled before every read and
// every write; once it reports true nothing else is delivered.
type Sink struct {
	Chunk        func(content string) error
	Done         func() error
	Error        func(message string) error
	Disconnected func() bool
}

func (s Sink) gone() bool {
	return s.Disconnected != nil && s.Disconnected()
}

type Session struct {
	providers *llm.Registry
	builder   *Builder
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewSession(providers *llm.Registry, builder *Builder, m *metrics.Metrics, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{providers: providers, builder: builder, metrics: m, logger: logger}
}

// Providers lists the configured model vendors.
func (s *Session) Providers() []llm.Info {
	return s.providers.Available()
}

// ResolveProvider maps an unrecognised provider name onto the default.
func ResolveProvider(name string) string {
	switch llm.Provider(strings.ToLower(strings.TrimSpace(name))) {
	case llm.ProviderOpenAI, llm.ProviderClaude, llm.ProviderGemini:
		return strings.ToLower(strings.TrimSpace(name))
	default:
		return string(llm.ProviderOpenAI)
	}
}

// Run streams one completion into sink. Exactly one of Done or Error is
// called unless the client disconnects first. The returned error is for
// logging only; the client has already been told.
func (s *Session) Run(ctx context.Context, req Request, sink Sink) error {
	if strings.TrimSpace(req.Message) == "" {
		return ErrEmptyMessage
	}
	provider := ResolveProvider(req.Provider)

	outcome := "error"
	defer func() { s.metrics.CoachStream(provider, outcome) }()

	fail := func(err error) error {
		s.logger.Error("coach stream failed", zap.String("provider", provider), zap.Error(err))
		if !sink.gone() && sink.Error != nil {
			_ = sink.Error(UnavailableMessage)
		}
		return err
	}

	systemPrompt, err := s.builder.SystemPrompt(ctx, req)
	if err != nil {
		return fail(err)
	}
	client, err := s.providers.Get(provider)
	if err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := client.Start(ctx, systemPrompt, req.Message)
	if err != nil {
		return fail(err)
	}
	defer stream.Close()

	for {
		if sink.gone() {
			outcome = "disconnected"
			return nil
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if sink.gone() || errors.Is(ctx.Err(), context.Canceled) {
				outcome = "disconnected"
				return nil
			}
			return fail(err)
		}
		if sink.gone() {
			outcome = "disconnected"
			return nil
		}
		if err := sink.Chunk(aisafety.SanitizeCoachOutput(chunk)); err != nil {
			outcome = "disconnected"
			return nil
		}
	}

	if sink.gone() {
		outcome = "disconnected"
		return nil
	}
	outcome = "done"
	if sink.Done != nil {
		return sink.Done()
	}
	return nil
}
