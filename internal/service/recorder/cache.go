package recorder

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"ragrelay/internal/models"
	"ragrelay/internal/redis"
)

const transcriptTTL = 30 * time.Minute

// transcriptCache keeps full session transcripts in redis so history reads
// skip the database. Cache failures are logged and ignored; the database
// stays authoritative.
type transcriptCache struct {
	client *redis.Client
}

type cachedTranscript struct {
	Session  *models.Session   `json:"session"`
	Messages []*models.Message `json:"messages"`
}

func newTranscriptCache(client *redis.Client) *transcriptCache {
	return &transcriptCache{client: client}
}

func (c *transcriptCache) enabled() bool {
	return c != nil && c.client != nil
}

func transcriptKey(sessionUUID string) string {
	return "recorder:transcript:" + sessionUUID
}

func (c *transcriptCache) load(ctx context.Context, sessionUUID string) (*models.Session, []*models.Message, bool) {
	if !c.enabled() {
		return nil, nil, false
	}
	raw, err := c.client.Get(ctx, transcriptKey(sessionUUID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("transcript cache read failed: %v", err)
		}
		return nil, nil, false
	}
	var entry cachedTranscript
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.Printf("transcript cache decode failed: %v", err)
		return nil, nil, false
	}
	if entry.Session == nil {
		return nil, nil, false
	}
	return entry.Session, entry.Messages, true
}

func (c *transcriptCache) store(ctx context.Context, sessionUUID string, session *models.Session, messages []*models.Message) {
	if !c.enabled() || session == nil {
		return
	}
	data, err := json.Marshal(cachedTranscript{Session: session, Messages: messages})
	if err != nil {
		log.Printf("transcript cache marshal failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, transcriptKey(sessionUUID), data, transcriptTTL); err != nil {
		log.Printf("transcript cache write failed: %v", err)
	}
}

func (c *transcriptCache) invalidate(ctx context.Context, sessionUUID string) {
	if !c.enabled() {
		return
	}
	if err := c.client.Del(ctx, transcriptKey(sessionUUID)); err != nil && err != redis.ErrCacheMiss {
		log.Printf("transcript cache invalidate failed: %v", err)
	}
}
