package broker

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	pebblestore "github.com/rzbill/reactor/internal/storage/pebble"
)

// Topic is an append-only log. Readers track their own position.
type Topic struct {
	db   *pebblestore.DB
	name string

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
}

// Entry is a single topic record.
type Entry struct {
	Header
	Seq  uint64
	Body []byte
}

func openTopic(db *pebblestore.DB, name string) (*Topic, error) {
	t := &Topic{db: db, name: name, notifyCh: make(chan struct{})}
	meta, err := db.Get(topicMetaKey(name))
	switch {
	case err == nil && len(meta) >= 8:
		t.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
		return nil, err
	}
	return t, nil
}

func (t *Topic) Name() string { return t.name }

// Append writes one entry and wakes readers blocked in Wait.
func (t *Topic) Append(ctx context.Context, h Header, body []byte) (uint64, error) {
	if h.EnqueuedMs == 0 {
		h.EnqueuedMs = time.Now().UnixMilli()
	}
	val, err := encodeRecord(h, body)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seq := t.lastSeq + 1
	b := t.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(t.name, seq), val, nil); err != nil {
		return 0, err
	}
	if err := b.Set(topicMetaKey(t.name), appendU64(nil, seq), nil); err != nil {
		return 0, err
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	t.lastSeq = seq
	close(t.notifyCh)
	t.notifyCh = make(chan struct{})
	return seq, nil
}

// Read returns up to limit entries with seq >= from, plus the seq to pass on
// the next call. limit <= 0 means no limit.
func (t *Topic) Read(from uint64, limit int) ([]Entry, uint64, error) {
	if from == 0 {
		from = 1
	}
	iter, err := t.db.NewIter(pebblestore.PrefixBounds(entryPrefix(t.name)))
	if err != nil {
		return nil, from, err
	}
	defer iter.Close()

	var out []Entry
	next := from
	for ok := iter.SeekGE(entryKey(t.name, from)); ok; ok = iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		seq := trailingSeq(iter.Key())
		next = seq + 1
		h, body, err := decodeRecord(iter.Value())
		if err != nil {
			continue
		}
		out = append(out, Entry{Header: h, Seq: seq, Body: body})
	}
	return out, next, iter.Error()
}

// Len returns the number of entries appended so far.
func (t *Topic) Len() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}

// Wait blocks until an append, timeout or ctx cancellation. It reports
// whether an append happened.
func (t *Topic) Wait(ctx context.Context, timeout time.Duration) bool {
	t.mu.Lock()
	ch := t.notifyCh
	t.mu.Unlock()
	tm := time.NewTimer(timeout)
	defer tm.Stop()
	select {
	case <-ch:
		return true
	case <-tm.C:
		return false
	case <-ctx.Done():
		return false
	}
}
