package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"ragrelay/internal/config"
	"ragrelay/internal/models"
	"ragrelay/internal/service/upstream"
)

type fakeStream struct {
	tokens []models.RawToken
	err    error
	pos    int
	closed bool
}

func (s *fakeStream) Recv() (models.RawToken, error) {
	if s.pos < len(s.tokens) {
		tok := s.tokens[s.pos]
		s.pos++
		return tok, nil
	}
	if s.err != nil {
		return models.RawToken{}, s.err
	}
	return models.RawToken{}, io.EOF
}

func (s *fakeStream) Close() { s.closed = true }

type attempt struct {
	stream *fakeStream
	err    error
}

type fakeUpstream struct {
	configured bool
	attempts   []attempt
	calls      int
	efforts    []string
}

func (u *fakeUpstream) Configured() bool { return u.configured }

func (u *fakeUpstream) Send(ctx context.Context, question string, opts upstream.Options) (TokenStream, error) {
	u.calls++
	u.efforts = append(u.efforts, opts.ReasoningEffort)
	if u.calls > len(u.attempts) {
		return nil, fmt.Errorf("unexpected attempt %d", u.calls)
	}
	a := u.attempts[u.calls-1]
	if a.err != nil {
		return nil, a.err
	}
	return a.stream, nil
}

type savedMessage struct {
	sessionID int64
	role      models.Role
	content   string
	thinking  string
}

type fakeRecorder struct {
	sessions   int
	messages   []savedMessage
	failAppend bool
}

func (r *fakeRecorder) CreateSession(ctx context.Context, title string) (*models.Session, error) {
	r.sessions++
	return &models.Session{ID: int64(r.sessions), SessionID: fmt.Sprintf("sess-%d", r.sessions), Title: title}, nil
}

func (r *fakeRecorder) AppendMessage(ctx context.Context, sessionID int64, role models.Role, content, thinking string) (*models.Message, error) {
	if r.failAppend {
		return nil, errors.New("db down")
	}
	r.messages = append(r.messages, savedMessage{sessionID, role, content, thinking})
	return &models.Message{SessionID: sessionID, Role: role, Content: content, ThinkingContent: thinking}, nil
}

type fakeHealth struct{ healthy bool }

func (h *fakeHealth) Healthy(ctx context.Context) bool { return h.healthy }

type collector struct {
	events    []models.RelayEvent
	failAfter int // emit fails once this many events were accepted; 0 means never
}

func (c *collector) emit(ev models.RelayEvent) error {
	if c.failAfter > 0 && len(c.events) >= c.failAfter {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) terminal(t *testing.T) models.RelayEvent {
	t.Helper()
	var terminals []models.RelayEvent
	for _, ev := range c.events {
		if ev.Type == models.EventComplete || ev.Type == models.EventError {
			terminals = append(terminals, ev)
		}
	}
	if len(terminals) != 1 {
		t.Fatalf("want exactly one terminal event, got %d: %+v", len(terminals), c.events)
	}
	if c.events[len(c.events)-1] != terminals[0] {
		t.Fatalf("terminal event is not last: %+v", c.events)
	}
	return terminals[0]
}

func newTestService(up Upstream, rec Recorder, healthy bool) *Service {
	return NewService(up, rec, &fakeHealth{healthy: healthy}, config.UpstreamConfig{
		RetryAttempts:  3,
		RetryBackoffMs: 1,
	})
}

func assistantMessages(rec *fakeRecorder) []savedMessage {
	var out []savedMessage
	for _, m := range rec.messages {
		if m.role == models.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func TestPrepareRejectsEmptyQuestion(t *testing.T) {
	svc := newTestService(&fakeUpstream{configured: true}, &fakeRecorder{}, true)
	for _, q := range []string{"", "   ", "\n\t"} {
		if _, err := svc.Prepare(context.Background(), q); !errors.Is(err, ErrEmptyQuestion) {
			t.Errorf("Prepare(%q) error = %v, want ErrEmptyQuestion", q, err)
		}
	}
}

func TestPreparePersistsUserMessageFirst(t *testing.T) {
	rec := &fakeRecorder{}
	svc := newTestService(&fakeUpstream{configured: true}, rec, true)

	session, err := svc.Prepare(context.Background(), "什么是向量数据库？")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if session.Title != "什么是向量数据库？" {
		t.Errorf("title = %q", session.Title)
	}
	if len(rec.messages) != 1 || rec.messages[0].role != models.RoleUser {
		t.Fatalf("want one user message before streaming, got %+v", rec.messages)
	}
	if rec.messages[0].content != "什么是向量数据库？" {
		t.Errorf("user content = %q", rec.messages[0].content)
	}
}

func TestPrepareTruncatesLongTitle(t *testing.T) {
	rec := &fakeRecorder{}
	svc := newTestService(&fakeUpstream{configured: true}, rec, true)

	question := strings.Repeat("问", 80)
	session, err := svc.Prepare(context.Background(), question)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if got := len([]rune(session.Title)); got != 50 {
		t.Errorf("title length = %d runes, want 50", got)
	}
	if rec.messages[0].content != question {
		t.Errorf("user message must keep full question")
	}
}

func TestStreamHappyPath(t *testing.T) {
	stream := &fakeStream{tokens: []models.RawToken{
		{Kind: models.TokenReasoning, Text: "思考"},
		{Kind: models.TokenReasoning, Text: "中"},
		{Kind: models.TokenAnswer, Text: "你"},
		{Kind: models.TokenAnswer, Text: "好"},
	}}
	up := &fakeUpstream{configured: true, attempts: []attempt{{stream: stream}}}
	rec := &fakeRecorder{}
	svc := newTestService(up, rec, true)

	c := &collector{}
	session := &models.Session{ID: 7, SessionID: "sess-7"}
	if err := svc.Stream(context.Background(), session, Request{Question: "你好"}, c.emit); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	wantTypes := []models.EventType{
		models.EventThinking, models.EventThinking,
		models.EventContent, models.EventContent,
		models.EventComplete,
	}
	if len(c.events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d: %+v", len(c.events), len(wantTypes), c.events)
	}
	for i, want := range wantTypes {
		if c.events[i].Type != want {
			t.Errorf("event %d type = %q, want %q", i, c.events[i].Type, want)
		}
	}

	final := c.terminal(t)
	if final.ResponseContent != "你好" || final.ThinkingContent != "思考中" {
		t.Errorf("complete frame = %+v", final)
	}
	if final.SessionID != "sess-7" {
		t.Errorf("complete session id = %q", final.SessionID)
	}

	saved := assistantMessages(rec)
	if len(saved) != 1 || saved[0].content != "你好" || saved[0].thinking != "思考中" {
		t.Errorf("assistant message = %+v", saved)
	}
	if !stream.closed {
		t.Error("stream not closed")
	}
}

func TestStreamDeepThinkingUsesHighEffort(t *testing.T) {
	up := &fakeUpstream{configured: true, attempts: []attempt{
		{stream: &fakeStream{tokens: []models.RawToken{{Kind: models.TokenAnswer, Text: "ok"}}}},
	}}
	svc := newTestService(up, &fakeRecorder{}, true)

	c := &collector{}
	err := svc.Stream(context.Background(), &models.Session{ID: 1, SessionID: "s"}, Request{Question: "q", DeepThinking: true}, c.emit)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(up.efforts) != 1 || up.efforts[0] != upstream.EffortHigh {
		t.Errorf("efforts = %v, want [high]", up.efforts)
	}
}

func TestStreamRetriesBeforeFirstToken(t *testing.T) {
	transportErr := fmt.Errorf("%w: connection refused", upstream.ErrTransport)
	up := &fakeUpstream{configured: true, attempts: []attempt{
		{err: transportErr},
		{err: transportErr},
		{stream: &fakeStream{tokens: []models.RawToken{{Kind: models.TokenAnswer, Text: "答案"}}}},
	}}
	rec := &fakeRecorder{}
	svc := newTestService(up, rec, true)

	c := &collector{}
	if err := svc.Stream(context.Background(), &models.Session{ID: 1, SessionID: "s"}, Request{Question: "q"}, c.emit); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if up.calls != 3 {
		t.Errorf("upstream calls = %d, want 3", up.calls)
	}
	final := c.terminal(t)
	if final.Type != models.EventComplete || final.ResponseContent != "答案" {
		t.Errorf("terminal = %+v, want complete", final)
	}
	if len(assistantMessages(rec)) != 1 {
		t.Errorf("assistant messages = %+v", rec.messages)
	}
}

func TestStreamRetryAlsoCoversEmptyStream(t *testing.T) {
	// Streams that close without a single token are retried like connect
	// failures; no partial output reached the client.
	up := &fakeUpstream{configured: true, attempts: []attempt{
		{stream: &fakeStream{err: fmt.Errorf("%w: stream closed without content", upstream.ErrProtocol)}},
		{stream: &fakeStream{tokens: []models.RawToken{{Kind: models.TokenAnswer, Text: "好"}}}},
	}}
	svc := newTestService(up, &fakeRecorder{}, true)

	c := &collector{}
	if err := svc.Stream(context.Background(), &models.Session{ID: 1, SessionID: "s"}, Request{Question: "q"}, c.emit); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if up.calls != 2 {
		t.Errorf("upstream calls = %d, want 2", up.calls)
	}
	if final := c.terminal(t); final.Type != models.EventComplete {
		t.Errorf("terminal = %+v", final)
	}
}

func TestStreamTimeoutExhaustsRetries(t *testing.T) {
	timeoutErr := fmt.Errorf("%w: context deadline exceeded", upstream.ErrTimeout)
	up := &fakeUpstream{configured: true, attempts: []attempt{
		{err: timeoutErr}, {err: timeoutErr}, {err: timeoutErr},
	}}
	rec := &fakeRecorder{}
	svc := newTestService(up, rec, true)

	c := &collector{}
	err := svc.Stream(context.Background(), &models.Session{ID: 1, SessionID: "s"}, Request{Question: "q"}, c.emit)
	if !errors.Is(err, upstream.ErrTimeout) {
		t.Errorf("Stream error = %v, want ErrTimeout", err)
	}
	if up.calls != 3 {
		t.Errorf("upstream calls = %d, want 3", up.calls)
	}
	final := c.terminal(t)
	if final.Type != models.EventError || final.Code != 408 {
		t.Errorf("terminal = %+v, want error 408", final)
	}
	if len(assistantMessages(rec)) != 0 {
		t.Errorf("no assistant message expected on failure, got %+v", rec.messages)
	}
}

func TestStreamTransportFailureCode(t *testing.T) {
	transportErr := fmt.Errorf("%w: no route to host", upstream.ErrTransport)
	up := &fakeUpstream{configured: true, attempts: []attempt{
		{err: transportErr}, {err: transportErr}, {err: transportErr},
	}}
	svc := newTestService(up, &fakeRecorder{}, true)

	c := &collector{}
	svc.Stream(context.Background(), &models.Session{ID: 1, SessionID: "s"}, Request{Question: "q"}, c.emit)
	final := c.terminal(t)
	if final.Code != 503 {
		t.Errorf("code = %d, want 503", final.Code)
	}
}

func TestStreamNoRetryAfterPartialDelivery(t *testing.T) {
	up := &fakeUpstream{configured: true, attempts: []attempt{
		{stream: &fakeStream{
			tokens: []models.RawToken{{Kind: models.TokenAnswer, Text: "部分"}},
			err:    fmt.Errorf("%w: connection reset", upstream.ErrTransport),
		}},
	}}
	rec := &fakeRecorder{}
	svc := newTestService(up, rec, true)

	c := &collector{}
	svc.Stream(context.Background(), &models.Session{ID: 1, SessionID: "s"}, Request{Question: "q"}, c.emit)

	if up.calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (no replay after delivery)", up.calls)
	}
	final := c.terminal(t)
	if final.Type != models.EventError || final.Code != 503 {
		t.Errorf("terminal = %+v, want error 503", final)
	}
	if len(assistantMessages(rec)) != 0 {
		t.Errorf("partial answer must not be persisted, got %+v", rec.messages)
	}
}

func TestStreamDegradedWhenUnconfigured(t *testing.T) {
	up := &fakeUpstream{configured: false}
	rec := &fakeRecorder{}
	svc := newTestService(up, rec, true)

	c := &collector{}
	if err := svc.Stream(context.Background(), &models.Session{ID: 1, SessionID: "s"}, Request{Question: "q"}, c.emit); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if up.calls != 0 {
		t.Errorf("upstream calls = %d, want 0", up.calls)
	}
	final := c.terminal(t)
	if final.Type != models.EventComplete {
		t.Fatalf("degraded mode must end with complete, got %+v", final)
	}
	if final.ResponseContent == "" {
		t.Error("degraded complete carries empty answer")
	}
	saved := assistantMessages(rec)
	if len(saved) != 1 || saved[0].content != final.ResponseContent {
		t.Errorf("degraded answer not persisted: %+v", saved)
	}
}

func TestStreamDegradedWhenUnhealthy(t *testing.T) {
	up := &fakeUpstream{configured: true}
	svc := newTestService(up, &fakeRecorder{}, false)

	c := &collector{}
	if err := svc.Stream(context.Background(), &models.Session{ID: 1, SessionID: "s"}, Request{Question: "q"}, c.emit); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if up.calls != 0 {
		t.Errorf("upstream calls = %d, want 0", up.calls)
	}
	if final := c.terminal(t); final.Type != models.EventComplete {
		t.Errorf("terminal = %+v", final)
	}
}

func TestStreamDegradesOnNotConfiguredError(t *testing.T) {
	up := &fakeUpstream{configured: true, attempts: []attempt{
		{err: upstream.ErrNotConfigured},
	}}
	svc := newTestService(up, &fakeRecorder{}, true)

	c := &collector{}
	if err := svc.Stream(context.Background(), &models.Session{ID: 1, SessionID: "s"}, Request{Question: "q"}, c.emit); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if up.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", up.calls)
	}
	if final := c.terminal(t); final.Type != models.EventComplete {
		t.Errorf("terminal = %+v, want degraded complete", final)
	}
}

func TestStreamClientGoneStopsRelay(t *testing.T) {
	up := &fakeUpstream{configured: true, attempts: []attempt{
		{stream: &fakeStream{tokens: []models.RawToken{
			{Kind: models.TokenAnswer, Text: "一"},
			{Kind: models.TokenAnswer, Text: "二"},
		}}},
	}}
	rec := &fakeRecorder{}
	svc := newTestService(up, rec, true)

	c := &collector{failAfter: 1}
	err := svc.Stream(context.Background(), &models.Session{ID: 1, SessionID: "s"}, Request{Question: "q"}, c.emit)
	if err == nil {
		t.Fatal("want error when client is gone")
	}
	if up.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", up.calls)
	}
	// No terminal frame can reach a closed transport and no assistant
	// message may be written for the aborted turn.
	for _, ev := range c.events {
		if ev.Type == models.EventComplete || ev.Type == models.EventError {
			t.Errorf("unexpected terminal event %+v", ev)
		}
	}
	if len(assistantMessages(rec)) != 0 {
		t.Errorf("aborted relay persisted assistant message: %+v", rec.messages)
	}
}

func TestStreamPersistFailureYieldsErrorFrame(t *testing.T) {
	up := &fakeUpstream{configured: true, attempts: []attempt{
		{stream: &fakeStream{tokens: []models.RawToken{{Kind: models.TokenAnswer, Text: "好"}}}},
	}}
	rec := &fakeRecorder{failAppend: true}
	svc := newTestService(up, rec, true)

	c := &collector{}
	err := svc.Stream(context.Background(), &models.Session{ID: 1, SessionID: "s"}, Request{Question: "q"}, c.emit)
	if err == nil {
		t.Fatal("want error when persistence fails")
	}
	final := c.terminal(t)
	if final.Type != models.EventError || final.Code != 500 {
		t.Errorf("terminal = %+v, want error 500", final)
	}
}
