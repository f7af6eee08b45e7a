package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"ragrelay/internal/models"
	"ragrelay/internal/service/upstream"
)

// Wire-visible error messages; codes follow the upstream error kind.
const (
	msgTimeout   = "服务响应超时"
	msgTransport = "服务连接失败"
	msgGeneric   = "服务异常"
)

// degradedParts is the canned answer streamed when the backend is
// unconfigured or unhealthy, keeping the protocol shape intact.
var degradedParts = []string{
	"当前服务不可用，请稍后重试。",
	"如果问题持续存在，请联系系统管理员。",
}

// engine is the per-request relay state machine:
// Init -> Streaming -> {Completing, Failing} -> Closed. Instances are
// discarded after run returns; accumulators are never shared.
type engine struct {
	svc     *Service
	session *models.Session
	emit    EmitFunc

	thinking  strings.Builder
	content   strings.Builder
	delivered bool
}

func (e *engine) run(ctx context.Context, req Request) error {
	if !e.svc.upstream.Configured() || !e.svc.health.Healthy(ctx) {
		return e.degrade(ctx)
	}

	effort := upstream.EffortLow
	if req.DeepThinking {
		effort = upstream.EffortHigh
	}

	var lastErr error
	for attempt := 1; attempt <= e.svc.attempts; attempt++ {
		stream, err := e.svc.upstream.Send(ctx, req.Question, upstream.Options{ReasoningEffort: effort})
		if err != nil {
			if errors.Is(err, upstream.ErrNotConfigured) {
				return e.degrade(ctx)
			}
			lastErr = err
			log.Printf("relay %s: open stream attempt %d/%d: %v", e.session.SessionID, attempt, e.svc.attempts, err)
			if attempt < e.svc.attempts && !e.waitRetry(ctx) {
				return ctx.Err()
			}
			continue
		}

		err = e.consume(stream)
		stream.Close()
		if err == nil {
			return e.complete(ctx)
		}
		if errors.Is(err, errClientGone) {
			// Nothing left to emit to; leave the turn unanswered.
			return err
		}
		if e.delivered {
			// Tokens already reached the client; a replay would duplicate
			// them, so the failure is terminal.
			log.Printf("relay %s: mid-stream failure after partial delivery: %v", e.session.SessionID, err)
			return e.fail(err)
		}
		lastErr = err
		log.Printf("relay %s: stream attempt %d/%d: %v", e.session.SessionID, attempt, e.svc.attempts, err)
		if attempt < e.svc.attempts && !e.waitRetry(ctx) {
			return ctx.Err()
		}
	}
	return e.fail(lastErr)
}

// consume pulls tokens one at a time, forwarding each as a normalized event
// before the next pull. nil means clean end of stream.
func (e *engine) consume(stream TokenStream) error {
	for {
		tok, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		var event models.RelayEvent
		switch tok.Kind {
		case models.TokenReasoning:
			e.thinking.WriteString(tok.Text)
			event = models.RelayEvent{Type: models.EventThinking, Content: tok.Text}
		default:
			e.content.WriteString(tok.Text)
			event = models.RelayEvent{Type: models.EventContent, Content: tok.Text}
		}
		if err := e.emit(event); err != nil {
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
		e.delivered = true
	}
}

// complete persists the assistant message first, so a client that sees the
// complete frame is guaranteed the transcript is already durable.
func (e *engine) complete(ctx context.Context) error {
	content := e.content.String()
	thinking := e.thinking.String()
	if _, err := e.svc.recorder.AppendMessage(ctx, e.session.ID, models.RoleAssistant, content, thinking); err != nil {
		log.Printf("relay %s: persist assistant message: %v", e.session.SessionID, err)
		return e.fail(err)
	}
	return e.emit(models.RelayEvent{
		Type:            models.EventComplete,
		ThinkingContent: thinking,
		ResponseContent: content,
		SessionID:       e.session.SessionID,
	})
}

// fail emits the single terminal error frame. No assistant message is
// written; the session keeps the dangling user message.
func (e *engine) fail(err error) error {
	msg, code := errorFrame(err)
	if emitErr := e.emit(models.RelayEvent{Type: models.EventError, Message: msg, Code: code}); emitErr != nil {
		log.Printf("relay %s: emit error frame: %v", e.session.SessionID, emitErr)
	}
	return err
}

// degrade skips the network entirely and synthesizes a canned answer ending
// in a normal complete frame.
func (e *engine) degrade(ctx context.Context) error {
	var full strings.Builder
	for _, part := range degradedParts {
		full.WriteString(part)
		if err := e.emit(models.RelayEvent{Type: models.EventContent, Content: part}); err != nil {
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
	}
	if _, err := e.svc.recorder.AppendMessage(ctx, e.session.ID, models.RoleAssistant, full.String(), ""); err != nil {
		log.Printf("relay %s: persist degraded message: %v", e.session.SessionID, err)
		return e.fail(err)
	}
	return e.emit(models.RelayEvent{
		Type:            models.EventComplete,
		ResponseContent: full.String(),
		SessionID:       e.session.SessionID,
	})
}

func (e *engine) waitRetry(ctx context.Context) bool {
	timer := time.NewTimer(e.svc.backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorFrame(err error) (string, int) {
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		return msgTimeout, 408
	case errors.Is(err, upstream.ErrTransport):
		return msgTransport, 503
	default:
		return msgGeneric, 500
	}
}
