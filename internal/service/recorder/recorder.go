package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"ragrelay/internal/models"
	"ragrelay/internal/redis"

	"github.com/google/uuid"
)

const titleBackfillLimit = 100

// Service owns the session and message rows. Appends to one session are
// serialized internally, so message order always reflects a single linear
// history even if two relays ever target the same session.
type Service struct {
	db    *sql.DB
	cache *transcriptCache
	loc   *time.Location

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewService constructs the recorder. cacheClient may be nil; reads then
// always go to the database. loc is the timezone used for list and export
// timestamps (nil means UTC).
func NewService(db *sql.DB, cacheClient *redis.Client, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		db:    db,
		cache: newTranscriptCache(cacheClient),
		loc:   loc,
		locks: make(map[int64]*sync.Mutex),
	}
}

// CreateSession inserts a new session with a fresh opaque id.
func (s *Service) CreateSession(ctx context.Context, title string) (*models.Session, error) {
	now := time.Now().UTC()
	sessionUUID := uuid.New().String()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (session_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		sessionUUID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return &models.Session{ID: id, SessionID: sessionUUID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// AppendMessage stores a new message, bumps the session's updated_at and
// backfills an empty title from the first user message.
func (s *Service) AppendMessage(ctx context.Context, sessionID int64, role models.Role, content, thinking string) (*models.Message, error) {
	if sessionID <= 0 {
		return nil, errors.New("invalid session id")
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	// one transaction: an error must leave no trace of the message, so a
	// caller that reports failure can trust nothing was persisted
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var res sql.Result
	res, err = tx.ExecContext(ctx,
		`INSERT INTO chat_messages (session_id, role, content, thinking_content, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, role, content, nullableText(thinking), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	var id int64
	id, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if role == models.RoleUser {
		if _, err = tx.ExecContext(ctx,
			`UPDATE chat_sessions SET title = ? WHERE id = ? AND (title IS NULL OR title = '')`,
			truncateRunes(content, titleBackfillLimit), sessionID,
		); err != nil {
			return nil, fmt.Errorf("backfill title: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	s.invalidateByID(ctx, sessionID)
	return &models.Message{
		ID:              id,
		SessionID:       sessionID,
		Role:            role,
		Content:         content,
		ThinkingContent: thinking,
		CreatedAt:       now,
	}, nil
}

// SessionSummary is one row of the history listing.
type SessionSummary struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	Preview   string `json:"preview"`
	Timestamp string `json:"timestamp"`
}

// ListSessions returns sessions ordered by last activity, newest first,
// with the latest message as preview. Sessions without messages are
// omitted, matching the history view the frontend expects.
func (s *Service) ListSessions(ctx context.Context, keyword string, page, pageSize int) ([]SessionSummary, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	query := `SELECT id, session_id, title, created_at, updated_at FROM chat_sessions`
	args := make([]any, 0, 3)
	if keyword != "" {
		query += ` WHERE title LIKE ?`
		args = append(args, "%"+keyword+"%")
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	// drain the cursor before the preview queries so a single pooled
	// connection is never held across both
	var sessions []models.Session
	for rows.Next() {
		var se models.Session
		if err := rows.Scan(&se.ID, &se.SessionID, &se.Title, &se.CreatedAt, &se.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, se)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summaries := make([]SessionSummary, 0, len(sessions))
	for _, se := range sessions {
		var preview string
		err := s.db.QueryRowContext(ctx,
			`SELECT content FROM chat_messages WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
			se.ID,
		).Scan(&preview)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("latest message: %w", err)
		}
		title := se.Title
		if title == "" {
			title = "无标题对话"
		}
		summaries = append(summaries, SessionSummary{
			ID:        se.ID,
			SessionID: se.SessionID,
			Title:     title,
			Preview:   previewText(preview),
			Timestamp: se.UpdatedAt.In(s.loc).Format(time.RFC3339),
		})
	}
	return summaries, nil
}

// SessionByUUID resolves a session by its opaque id. sql.ErrNoRows when
// absent.
func (s *Service) SessionByUUID(ctx context.Context, sessionUUID string) (*models.Session, error) {
	var se models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, title, created_at, updated_at FROM chat_sessions WHERE session_id = ?`,
		sessionUUID,
	).Scan(&se.ID, &se.SessionID, &se.Title, &se.CreatedAt, &se.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &se, nil
}

// Transcript returns a session and its messages in strict temporal order.
func (s *Service) Transcript(ctx context.Context, sessionUUID string) (*models.Session, []*models.Message, error) {
	if se, msgs, ok := s.cache.load(ctx, sessionUUID); ok {
		return se, msgs, nil
	}

	se, err := s.SessionByUUID(ctx, sessionUUID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, thinking_content, created_at FROM chat_messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		se.ID,
	)
	if err != nil {
		return se, nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		var thinking sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &thinking, &m.CreatedAt); err != nil {
			return se, nil, fmt.Errorf("scan message: %w", err)
		}
		m.ThinkingContent = thinking.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return se, nil, err
	}
	s.cache.store(ctx, sessionUUID, se, messages)
	return se, messages, nil
}

// DeleteSession removes one session and its messages.
func (s *Service) DeleteSession(ctx context.Context, sessionID int64) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	var sessionUUID string
	if err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM chat_sessions WHERE id = ?`, sessionID,
	).Scan(&sessionUUID); err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return fmt.Errorf("get session: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}

	s.cache.invalidate(ctx, sessionUUID)
	s.dropLock(sessionID)
	return nil
}

// DeleteAllSessions wipes all sessions and messages.
func (s *Service) DeleteAllSessions(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM chat_sessions`)
	if err != nil {
		return fmt.Errorf("list session ids: %w", err)
	}
	var uuids []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return fmt.Errorf("scan session id: %w", err)
		}
		uuids = append(uuids, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages`); err != nil {
		return fmt.Errorf("delete all messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions`); err != nil {
		return fmt.Errorf("delete all sessions: %w", err)
	}

	for _, u := range uuids {
		s.cache.invalidate(ctx, u)
	}
	s.mu.Lock()
	s.locks = make(map[int64]*sync.Mutex)
	s.mu.Unlock()
	return nil
}

// Ping reports database liveness for the health endpoint.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Service) sessionLock(sessionID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[sessionID]
	if l == nil {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *Service) dropLock(sessionID int64) {
	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
}

func (s *Service) invalidateByID(ctx context.Context, sessionID int64) {
	if !s.cache.enabled() {
		return
	}
	var sessionUUID string
	if err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM chat_sessions WHERE id = ?`, sessionID,
	).Scan(&sessionUUID); err != nil {
		return
	}
	s.cache.invalidate(ctx, sessionUUID)
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func previewText(content string) string {
	runes := []rune(content)
	if len(runes) <= 100 {
		return content
	}
	return string(runes[:100]) + "..."
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
