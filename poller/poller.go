// Package poller turns the speaker's pull-only conversation log into an
// exactly-once stream of user messages.
//
// The log offers no push channel and no stable sequence numbers, only
// timestamped records fetched newest first. The poller keeps a cursor at
// the newest delivered timestamp and treats everything strictly newer as
// undelivered. Bursts larger than one fetch are recovered by paginating
// backwards until the cursor is reached, bounded so a single tick can
// never fall arbitrarily far behind.
package poller

import (
	"context"

	"github.com/wangyuan292/migpt-next/internal/logger"
)

const (
	// recentFetchLimit is the steady-state probe size. Two records are
	// enough to tell "one new message" from "a burst needing pagination".
	recentFetchLimit = 2

	// pageSize and maxPages bound backward pagination during a burst.
	pageSize = 10
	maxPages = 3

	// maxLookback caps how many records one discovery run may buffer.
	// Anything older in the same run is dropped, never delivered late.
	maxLookback = 30
)

// Message is one delivered user utterance.
type Message struct {
	// ID is a synthetic per-delivery identifier; the log's own request
	// ids are not unique across retries.
	ID        string
	Text      string
	Timestamp int64 // epoch milliseconds
}

// Fetcher reads eligible records from the conversation log, newest
// first. A non-zero beforeMs restricts the result to records strictly
// older than that timestamp. With filtered unset the answer-shape
// eligibility filter is skipped; the primer uses that to observe the log
// head regardless of record shape.
type Fetcher interface {
	FetchHistory(ctx context.Context, limit int, beforeMs int64, filtered bool) ([]Message, error)
}

// Poller is the exactly-once delivery state machine. Not safe for
// concurrent use; callers drive it from a single loop, one tick at a
// time.
type Poller struct {
	fetch Fetcher

	primed bool
	cursor int64

	// pending holds a discovered burst, newest first. Delivery pops from
	// the tail so the oldest undelivered message goes out first.
	pending []Message
}

// New creates a Poller over f. The first tick primes the cursor; no
// message observed before that is ever delivered.
func New(f Fetcher) *Poller {
	return &Poller{fetch: f}
}

// Cursor returns the newest delivered (or primed-over) timestamp.
func (p *Poller) Cursor() int64 { return p.cursor }

// Next runs one poll tick. It returns the oldest undelivered message,
// or nil when there is nothing new. Fetch failures propagate; the
// cursor and any buffered burst survive them untouched.
func (p *Poller) Next(ctx context.Context) (*Message, error) {
	if !p.primed {
		return nil, p.prime(ctx)
	}
	if len(p.pending) > 0 {
		return p.pop(), nil
	}

	recent, err := p.fetch.FetchHistory(ctx, recentFetchLimit, 0, true)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 || recent[0].Timestamp <= p.cursor {
		return nil, nil
	}
	if len(recent) == 1 || recent[1].Timestamp <= p.cursor {
		// Single new message: deliver without touching the buffer.
		m := recent[0]
		p.cursor = m.Timestamp
		return &m, nil
	}

	// Both probed records are new, so the burst may extend past them.
	p.pending = append(p.pending, recent...)
	if err := p.backfill(ctx); err != nil {
		// Keep what was found; later ticks drain it before re-probing.
		return nil, err
	}
	return p.pop(), nil
}

// prime establishes the cursor at the current log head without
// delivering anything. An empty log leaves the cursor at zero, so every
// record that appears afterwards counts as new.
func (p *Poller) prime(ctx context.Context) error {
	head, err := p.fetch.FetchHistory(ctx, 1, 0, false)
	if err != nil {
		return err
	}
	if len(head) > 0 {
		p.cursor = head[0].Timestamp
	}
	p.primed = true
	return nil
}

// backfill pages backwards from the oldest buffered record until the
// run is fully captured (a record at or below the cursor shows up) or a
// bound trips.
func (p *Poller) backfill(ctx context.Context) error {
	for page := 1; page <= maxPages; page++ {
		oldest := p.pending[len(p.pending)-1].Timestamp
		older, err := p.fetch.FetchHistory(ctx, pageSize, oldest, true)
		if err != nil {
			return err
		}
		for _, m := range older {
			if m.Timestamp >= oldest {
				continue
			}
			if m.Timestamp <= p.cursor {
				return nil // reached delivered history: run fully captured
			}
			if len(p.pending) >= maxLookback {
				logger.Warnf("burst exceeds %d records, dropping messages older than %d", maxLookback, m.Timestamp)
				return nil
			}
			p.pending = append(p.pending, m)
		}
	}
	logger.Warnf("burst pagination stopped after %d pages, run may be incomplete", maxPages)
	return nil
}

// pop delivers the oldest buffered message and advances the cursor.
func (p *Poller) pop() *Message {
	last := len(p.pending) - 1
	m := p.pending[last]
	p.pending = p.pending[:last]
	p.cursor = m.Timestamp
	return &m
}
