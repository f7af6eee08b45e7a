package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ragrelay/internal/config"
	"ragrelay/internal/models"
	"ragrelay/internal/service/upstream"
)

// TokenStream is one streaming attempt against the inference backend.
type TokenStream interface {
	Recv() (models.RawToken, error)
	Close()
}

// Upstream is the inference client consumed by the engine.
type Upstream interface {
	Configured() bool
	Send(ctx context.Context, question string, opts upstream.Options) (TokenStream, error)
}

// Recorder persists completed exchanges keyed by session.
type Recorder interface {
	CreateSession(ctx context.Context, title string) (*models.Session, error)
	AppendMessage(ctx context.Context, sessionID int64, role models.Role, content, thinking string) (*models.Message, error)
}

// Health gates degraded mode before streaming begins.
type Health interface {
	Healthy(ctx context.Context) bool
}

// EmitFunc forwards one normalized event to the transport adapter. A non-nil
// return means the client connection is gone and the relay must stop.
type EmitFunc func(models.RelayEvent) error

// Request is one inbound chat turn.
type Request struct {
	Question     string
	DeepThinking bool
}

// ErrEmptyQuestion is returned by Prepare for blank input.
var ErrEmptyQuestion = errors.New("relay: question cannot be empty")

// errClientGone aborts a relay whose transport stopped accepting frames.
var errClientGone = errors.New("relay: client transport closed")

// Service drives relays. One shared instance; each request gets its own
// engine with independent accumulator state.
type Service struct {
	upstream Upstream
	recorder Recorder
	health   Health
	attempts int
	backoff  time.Duration
}

// NewService wires the relay service. attempts/backoff come from the
// upstream retry settings in config.
func NewService(up Upstream, rec Recorder, hm Health, cfg config.UpstreamConfig) *Service {
	return &Service{
		upstream: up,
		recorder: rec,
		health:   hm,
		attempts: cfg.RetryAttempts,
		backoff:  cfg.RetryBackoff(),
	}
}

// Prepare validates the question, creates the session and persists the user
// message before any upstream call, so the question survives a later crash.
func (s *Service) Prepare(ctx context.Context, question string) (*models.Session, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	session, err := s.recorder.CreateSession(ctx, truncateRunes(question, 50))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if _, err := s.recorder.AppendMessage(ctx, session.ID, models.RoleUser, question, ""); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	return session, nil
}

// Stream runs the streaming half of a relay for an already prepared
// session. Every outcome reaches the client as a frame; the returned error
// is for logging only.
func (s *Service) Stream(ctx context.Context, session *models.Session, req Request, emit EmitFunc) error {
	e := &engine{svc: s, session: session, emit: emit}
	return e.run(ctx, req)
}

// WrapClient adapts the concrete upstream client to the Upstream interface
// consumed by the engine, so tests can substitute a scripted backend.
func WrapClient(c *upstream.Client) Upstream {
	return clientAdapter{c: c}
}

type clientAdapter struct {
	c *upstream.Client
}

func (a clientAdapter) Configured() bool {
	return a.c.Configured()
}

func (a clientAdapter) Send(ctx context.Context, question string, opts upstream.Options) (TokenStream, error) {
	stream, err := a.c.Send(ctx, question, opts)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
