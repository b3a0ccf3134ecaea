// Package nlu maps free-form chat text to structured subscription commands
// through an OpenAI-compatible chat completion endpoint.
package nlu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	logx "subwatch/pkg/logx"
)

// ErrDisabled is returned by Extract when no API key is configured.
var ErrDisabled = errors.New("nlu is disabled")

type Config struct {
	Enabled bool
	APIKey  string
	BaseURL string // empty means api.openai.com
	Model   string
	Timeout time.Duration
}

func (c Config) normalized() Config {
	if c.Model == "" {
		c.Model = openai.GPT4oMini
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

const systemPrompt = `You convert a user's message about recurring subscriptions into JSON.
Reply with a single JSON object, nothing else:
{"intent":"add|delete|list|total|unknown","service":"...","amount":0,"currency":"USD","period_days":30,"next_payment":"YYYY-MM-DD"}

Rules:
- "add": user wants to track a subscription. Require service; include amount, 3-letter currency, period_days (30 if monthly, 7 weekly, 365 yearly), next_payment if stated.
- "delete": user wants to stop tracking a subscription; include service.
- "list": user asks what subscriptions they have.
- "total": user asks how much they spend.
- Anything else: "unknown".
Omit fields you cannot infer. Today is %s.`

// Service is the intent extraction client. Apply swaps credentials and model
// at runtime without interrupting in-flight calls.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	client *openai.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalized()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.client = nil
	if !cfg.Enabled || strings.TrimSpace(cfg.APIKey) == "" {
		return
	}
	cc := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	s.client = openai.NewClientWithConfig(cc)
}

// Enabled reports whether a client is configured.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// Extract classifies text into an Intent. today anchors relative dates.
func (s *Service) Extract(ctx context.Context, text string, today time.Time) (Intent, error) {
	s.mu.Lock()
	client := s.client
	cfg := s.cfg
	s.mu.Unlock()
	if client == nil {
		return Intent{}, ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(systemPrompt, today.UTC().Format("2006-01-02"))},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Intent{}, fmt.Errorf("intent extraction: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Intent{}, errors.New("intent extraction: empty response")
	}

	it, err := ParseIntent(resp.Choices[0].Message.Content)
	s.log.Debug("intent extracted",
		logx.String("intent", string(it.Intent)),
		logx.Duration("took", time.Since(start)),
		logx.Err(err))
	return it, err
}
