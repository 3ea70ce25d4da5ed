package poller

import (
	"context"

	"github.com/google/uuid"

	"github.com/wangyuan292/migpt-next/mina"
)

// Answer types that mark a record as a plain voice exchange.
const (
	answerTTS = "TTS"
	answerLLM = "LLM"
)

// ConversationSource adapts the speaker service's conversation log to
// the Fetcher contract. The service includes the boundary record itself
// when paging by timestamp; the adapter re-filters to strictly older.
type ConversationSource struct {
	speaker *mina.Client
}

// NewConversationSource wraps speaker as a Fetcher.
func NewConversationSource(speaker *mina.Client) *ConversationSource {
	return &ConversationSource{speaker: speaker}
}

func (s *ConversationSource) FetchHistory(ctx context.Context, limit int, beforeMs int64, filtered bool) ([]Message, error) {
	// The boundary record comes back too and occupies one slot.
	serviceLimit := limit
	if beforeMs > 0 {
		serviceLimit++
	}
	page, err := s.speaker.Conversations(ctx, serviceLimit, beforeMs)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(page.Records))
	for _, rec := range page.Records {
		if beforeMs > 0 && rec.Time >= beforeMs {
			continue
		}
		if filtered && !eligible(rec) {
			continue
		}
		msgs = append(msgs, Message{
			ID:        uuid.NewString(),
			Text:      rec.Query,
			Timestamp: rec.Time,
		})
	}
	return msgs, nil
}

// eligible accepts records holding exactly one spoken or generated
// answer. Multi-answer records (e.g. a TTS reply plus an AUDIO playback
// entry) are commands to the speaker, not conversation.
func eligible(rec mina.ConversationRecord) bool {
	if len(rec.Answers) != 1 {
		return false
	}
	t := rec.Answers[0].Type
	return t == answerTTS || t == answerLLM
}
