// Package completion implements dispatch.Executor against an OpenAI-compatible
// chat-completions endpoint.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/time/rate"

	"completiond/internal/dispatch"
	logx "completiond/pkg/logx"
)

// ErrNoChoices is returned when the service answers without any choice.
var ErrNoChoices = errors.New("completion: response has no choices")

// Config configures the client.
//
// RequestsPerSecond <= 0 disables client-side smoothing. Burst defaults to 1.
type Config struct {
	APIKey            string
	BaseURL           string
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
}

// Option customizes an Executor.
type Option func(*Executor)

// WithHTTPClient replaces the transport (tests, proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.httpClient = c }
}

// Executor sends one chat completion per task.
type Executor struct {
	client     openai.Client
	limiter    *rate.Limiter
	httpClient *http.Client
	log        logx.Logger
}

var _ dispatch.Executor = (*Executor)(nil)

func New(cfg Config, log logx.Logger, opts ...Option) *Executor {
	e := &Executor{log: log.With(logx.String("comp", "completion"))}
	for _, o := range opts {
		o(e)
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(max(cfg.MaxRetries, 0))}
	if k := strings.TrimSpace(cfg.APIKey); k != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(k))
	}
	if u := strings.TrimSpace(cfg.BaseURL); u != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(u))
	}
	if e.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(e.httpClient))
	}
	e.client = openai.NewClient(reqOpts...)

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return e
}

// Execute waits for the client-side limiter, then performs the call.
// The returned text is the first choice's content, unparsed.
func (e *Executor) Execute(ctx context.Context, req dispatch.ExecRequest) (string, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("completion: rate wait: %w", err)
		}
	}

	user, err := userMessage(req.Payload)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := e.client.Chat.Completions.New(ctx, buildParams(req, user))
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("completion: %s status %d: %w", req.Settings.Model, apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}

	e.log.Debug("completion done",
		logx.String("task", req.TaskID),
		logx.String("model", req.Settings.Model),
		logx.Int64("tokens", resp.Usage.TotalTokens),
		logx.Duration("dur", time.Since(start)),
	)
	return resp.Choices[0].Message.Content, nil
}

func buildParams(req dispatch.ExecRequest, user string) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Settings.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt(req.Type)),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(req.Settings.Temperature),
	}
	if req.Settings.MaxOutputTokens > 0 {
		p.MaxTokens = openai.Int(int64(req.Settings.MaxOutputTokens))
	}
	return p
}

// SystemPrompt names the task type and demands bare JSON.
func SystemPrompt(taskType string) string {
	return fmt.Sprintf("You are an expert assistant for %s tasks. Respond ONLY with valid JSON. Do not use markdown.",
		strings.ReplaceAll(taskType, "_", " "))
}

// userMessage sends string payloads verbatim and JSON-encodes anything else.
func userMessage(payload any) (string, error) {
	switch p := payload.(type) {
	case nil:
		return "", errors.New("completion: empty payload")
	case string:
		return p, nil
	case []byte:
		return string(p), nil
	case fmt.Stringer:
		return p.String(), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("completion: encode payload: %w", err)
	}
	return string(b), nil
}
