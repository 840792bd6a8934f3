// Package vision answers questions about a camera snapshot.
//
// [Analyzer] calls a multimodal chat-completion model directly. [Client]
// reaches the same capability through a remote relay speaking the
// POST /analyze-image protocol served by [Handler]. Both satisfy [Asker],
// which is what the realtime tool built by [Tool] depends on.
package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/visiontalk/internal/observe"
	"github.com/MrWong99/visiontalk/internal/resilience"
)

const (
	// DefaultModel is the vision model used when none is configured.
	DefaultModel = "gpt-4o"

	// DefaultMaxTokens caps the answer length.
	DefaultMaxTokens = 150

	questionPrefix = "Please try to give answer to the following question: "
)

// ErrNetworkFailure wraps failures to reach the vision backend.
var ErrNetworkFailure = errors.New("vision: network failure")

// ErrEmptyAnswer is returned when the model produced no choices.
var ErrEmptyAnswer = errors.New("vision: empty answer")

// Asker answers a question about a base64-encoded JPEG.
type Asker interface {
	Analyze(ctx context.Context, imageB64, question string) (string, error)
}

// Analyzer calls a chat-completion model with the image attached.
type Analyzer struct {
	client    oai.Client
	models    *resilience.FallbackGroup[string]
	maxTokens int64
	metrics   *observe.Metrics
}

var _ Asker = (*Analyzer)(nil)

type analyzerConfig struct {
	baseURL   string
	model     string
	fallbacks []string
	maxTokens int
	timeout   time.Duration
	metrics   *observe.Metrics
	breaker   resilience.CircuitBreakerConfig
}

// AnalyzerOption configures an [Analyzer].
type AnalyzerOption func(*analyzerConfig)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) AnalyzerOption {
	return func(c *analyzerConfig) { c.baseURL = u }
}

// WithModel sets the primary model. Default: [DefaultModel].
func WithModel(model string) AnalyzerOption {
	return func(c *analyzerConfig) {
		if model != "" {
			c.model = model
		}
	}
}

// WithFallbackModels adds models tried in order when the primary fails.
func WithFallbackModels(models ...string) AnalyzerOption {
	return func(c *analyzerConfig) { c.fallbacks = append(c.fallbacks, models...) }
}

// WithMaxTokens caps the completion length. Default: [DefaultMaxTokens].
func WithMaxTokens(n int) AnalyzerOption {
	return func(c *analyzerConfig) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) AnalyzerOption {
	return func(c *analyzerConfig) { c.timeout = d }
}

// WithMetrics records latency and outcomes to m.
func WithMetrics(m *observe.Metrics) AnalyzerOption {
	return func(c *analyzerConfig) { c.metrics = m }
}

// WithCircuitBreaker tunes the breaker placed in front of each model.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) AnalyzerOption {
	return func(c *analyzerConfig) { c.breaker = cfg }
}

// NewAnalyzer creates an Analyzer. The SDK's automatic retries are disabled;
// a failed model is handed to the next fallback instead.
func NewAnalyzer(apiKey string, opts ...AnalyzerOption) (*Analyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("vision: apiKey must not be empty")
	}
	cfg := &analyzerConfig{model: DefaultModel, maxTokens: DefaultMaxTokens}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	models := resilience.NewFallbackGroup(cfg.model, cfg.model, resilience.FallbackConfig{CircuitBreaker: cfg.breaker})
	for _, m := range cfg.fallbacks {
		if m = strings.TrimSpace(m); m != "" && m != cfg.model {
			models.AddFallback(m, m)
		}
	}

	metrics := cfg.metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	return &Analyzer{
		client:    oai.NewClient(reqOpts...),
		models:    models,
		maxTokens: int64(cfg.maxTokens),
		metrics:   metrics,
	}, nil
}

// Models lists the configured models in the order they are tried.
func (a *Analyzer) Models() []string { return a.models.Names() }

// Analyze asks the model question about the JPEG in imageB64.
func (a *Analyzer) Analyze(ctx context.Context, imageB64, question string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "vision.analyze")
	defer span.End()

	answer, err := resilience.Do(ctx, a.models, func(ctx context.Context, model string) (string, error) {
		return a.complete(ctx, model, imageB64, question)
	})
	if err != nil {
		observe.RecordError(span, err)
		return "", err
	}
	return answer, nil
}

func (a *Analyzer) complete(ctx context.Context, model, imageB64, question string) (string, error) {
	start := time.Now()
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
				oai.TextContentPart(questionPrefix + question),
				oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
					URL: "data:image/jpeg;base64," + imageB64,
				}),
			}),
		},
		MaxTokens: param.NewOpt(a.maxTokens),
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		a.metrics.RecordVision(ctx, model, "error", time.Since(start))
		a.metrics.RecordProviderRequest(ctx, "openai", "vision", "error")
		a.metrics.RecordProviderError(ctx, "openai", "vision")
		return "", fmt.Errorf("%w: chat completion: %w", ErrNetworkFailure, err)
	}
	a.metrics.RecordVision(ctx, model, "ok", time.Since(start))
	a.metrics.RecordProviderRequest(ctx, "openai", "vision", "ok")

	if len(resp.Choices) == 0 {
		return "", ErrEmptyAnswer
	}
	return resp.Choices[0].Message.Content, nil
}
