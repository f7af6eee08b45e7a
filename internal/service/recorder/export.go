package recorder

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"time"

	"ragrelay/internal/models"
)

// ExportCSV renders the full chat history. The BOM prefix keeps Excel happy
// with non-ASCII content; timestamps use the configured timezone.
func (s *Service) ExportCSV(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, title FROM chat_sessions ORDER BY created_at ASC`,
	)
	if err != nil {
		return "", fmt.Errorf("list sessions: %w", err)
	}
	type sessionRow struct {
		id    int64
		uuid  string
		title string
	}
	var sessions []sessionRow
	for rows.Next() {
		var r sessionRow
		if err := rows.Scan(&r.id, &r.uuid, &r.title); err != nil {
			rows.Close()
			return "", fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"session_id", "session_title", "role", "content", "thinking_content", "timestamp"}); err != nil {
		return "", fmt.Errorf("write header: %w", err)
	}

	for _, se := range sessions {
		msgRows, err := s.db.QueryContext(ctx,
			`SELECT role, content, thinking_content, created_at FROM chat_messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
			se.id,
		)
		if err != nil {
			return "", fmt.Errorf("list messages: %w", err)
		}
		for msgRows.Next() {
			var (
				role      models.Role
				content   string
				thinking  sql.NullString
				createdAt time.Time
			)
			if err := msgRows.Scan(&role, &content, &thinking, &createdAt); err != nil {
				msgRows.Close()
				return "", fmt.Errorf("scan message: %w", err)
			}
			record := []string{
				se.uuid,
				se.title,
				string(role),
				content,
				thinking.String,
				createdAt.In(s.loc).Format(time.RFC3339),
			}
			if err := w.Write(record); err != nil {
				msgRows.Close()
				return "", fmt.Errorf("write record: %w", err)
			}
		}
		msgRows.Close()
		if err := msgRows.Err(); err != nil {
			return "", err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}
	return "\uFEFF" + buf.String(), nil
}
