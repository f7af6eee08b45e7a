package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"ragrelay/internal/models"

	"github.com/cloudwego/eino/schema"
)

// TokenStream adapts the eino chunk stream into classified raw tokens. A
// chunk can carry both a reasoning delta and an answer delta; reasoning is
// yielded first to preserve arrival order on each channel.
type TokenStream struct {
	reader   *schema.StreamReader[*schema.Message]
	cancel   context.CancelFunc
	pending  []models.RawToken
	sawToken bool
	closed   bool
}

func newTokenStream(reader *schema.StreamReader[*schema.Message], cancel context.CancelFunc) *TokenStream {
	return &TokenStream{reader: reader, cancel: cancel}
}

// Recv returns the next token. io.EOF signals a clean end of stream; an
// upstream that closes without yielding a single token is a protocol error.
func (s *TokenStream) Recv() (models.RawToken, error) {
	for {
		if len(s.pending) > 0 {
			tok := s.pending[0]
			s.pending = s.pending[1:]
			s.sawToken = true
			return tok, nil
		}
		chunk, err := s.reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !s.sawToken {
					return models.RawToken{}, fmt.Errorf("%w: stream closed without content", ErrProtocol)
				}
				return models.RawToken{}, io.EOF
			}
			return models.RawToken{}, classify(err)
		}
		if chunk == nil {
			continue
		}
		if chunk.ReasoningContent != "" {
			s.pending = append(s.pending, models.RawToken{Kind: models.TokenReasoning, Text: chunk.ReasoningContent})
		}
		if chunk.Content != "" {
			s.pending = append(s.pending, models.RawToken{Kind: models.TokenAnswer, Text: chunk.Content})
		}
	}
}

// Close releases the upstream connection. Safe to call more than once.
func (s *TokenStream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.reader.Close()
	s.cancel()
}
