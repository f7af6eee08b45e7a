package upstream

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"ragrelay/internal/config"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	// EffortLow and EffortHigh are the reasoning effort hints forwarded to
	// the backend; deep_thinking on the wire maps to high.
	EffortLow  = "low"
	EffortHigh = "high"

	upstreamModel      = "ragflow"
	probeTokenBudget   = 5
	defaultTemperature = float32(0.7)
)

// Options tune a single Send attempt.
type Options struct {
	ReasoningEffort string
	Timeout         time.Duration
}

// Client talks to the OpenAI-compatible RAGFlow chat endpoint. One instance
// is shared by all requests; the underlying transport owns connection
// pooling. An unconfigured client never attempts network I/O.
type Client struct {
	cfg        config.UpstreamConfig
	models     map[string]model.BaseChatModel
	configured bool
}

// NewClient builds the shared upstream client. Missing credentials are not
// an error: the returned client reports ErrNotConfigured from Send and
// Probe so the relay can substitute the degraded-mode response.
func NewClient(cfg config.UpstreamConfig) (*Client, error) {
	c := &Client{cfg: cfg}
	if cfg.BaseURL == "" || cfg.ChatID == "" || cfg.APIKey == "" {
		log.Printf("upstream credentials incomplete, inference backend disabled")
		return c, nil
	}

	endpoint := fmt.Sprintf("%s/api/v1/chats_openai/%s", strings.TrimRight(cfg.BaseURL, "/"), cfg.ChatID)
	keepAlive := time.Duration(cfg.KeepAliveSec) * time.Second
	httpClient := &http.Client{
		Timeout: cfg.RequestTimeout(),
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   cfg.ConnectTimeout(),
				KeepAlive: keepAlive,
			}).DialContext,
			MaxConnsPerHost:     cfg.MaxConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConns,
			IdleConnTimeout:     keepAlive,
			TLSHandshakeTimeout: cfg.ConnectTimeout(),
		},
	}

	// reasoning_effort is a request-body field the backend recognizes; one
	// model per effort level keeps Send allocation-free.
	c.models = make(map[string]model.BaseChatModel, 2)
	for _, effort := range []string{EffortLow, EffortHigh} {
		maxTokens := cfg.MaxTokens
		temperature := defaultTemperature
		cm, err := openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL:     endpoint,
			APIKey:      cfg.APIKey,
			Model:       upstreamModel,
			HTTPClient:  httpClient,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
			ExtraFields: map[string]any{"reasoning_effort": effort},
		})
		if err != nil {
			return nil, fmt.Errorf("init upstream model (%s): %w", effort, err)
		}
		c.models[effort] = cm
	}
	c.configured = true
	return c, nil
}

// Configured reports whether the client can reach a real backend.
func (c *Client) Configured() bool {
	return c != nil && c.configured
}

// Send opens one streaming attempt for the question and returns the lazily
// consumed token sequence. The context governs the whole attempt; Close on
// the returned stream releases the upstream connection.
func (c *Client) Send(ctx context.Context, question string, opts Options) (*TokenStream, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	cm, ok := c.models[opts.ReasoningEffort]
	if !ok {
		cm = c.models[EffortLow]
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	msgs := make([]*schema.Message, 0, 2)
	if c.cfg.SystemPrompt != "" {
		msgs = append(msgs, schema.SystemMessage(c.cfg.SystemPrompt))
	}
	msgs = append(msgs, schema.UserMessage(question))

	reader, err := cm.Stream(ctx, msgs)
	if err != nil {
		cancel()
		return nil, classify(err)
	}
	return newTokenStream(reader, cancel), nil
}

// Probe issues a minimal bounded request against the live endpoint. Used by
// the health monitor only; failures are classified, never fatal.
func (c *Client) Probe(ctx context.Context, timeout time.Duration) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	if timeout <= 0 {
		timeout = c.cfg.ProbeTimeoutDuration()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := c.models[EffortLow].Generate(ctx,
		[]*schema.Message{schema.UserMessage("hi")},
		model.WithMaxTokens(probeTokenBudget),
	)
	if err != nil {
		return classify(err)
	}
	return nil
}
