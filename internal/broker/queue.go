package broker

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/reactor/internal/storage/pebble"
)

// ErrNotLeased is returned when acknowledging or releasing a message that is
// not currently leased.
var ErrNotLeased = errors.New("broker: message not leased")

// Filter decides whether a consumer wants a message. A nil Filter accepts all.
type Filter func(h Header, body []byte) bool

// Delivery is a message handed to a consumer under a lease.
type Delivery struct {
	Header
	Seq        uint64
	Body       []byte
	Deliveries uint32
	ExpiresMs  int64
}

// EnqueueOptions controls placement of a new message.
type EnqueueOptions struct {
	Priority uint32
	DelayMs  int64
	NowMs    int64
}

// Queue is a durable point-to-point queue with priorities, delayed delivery
// and leases.
type Queue struct {
	db   *pebblestore.DB
	name string

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepDone chan struct{}
}

func openQueue(db *pebblestore.DB, name string) (*Queue, error) {
	q := &Queue{db: db, name: name, notifyCh: make(chan struct{})}
	meta, err := db.Get(queueMetaKey(name))
	switch {
	case err == nil && len(meta) >= 8:
		q.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
		return nil, err
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// notifyLocked wakes every waiter. Caller holds q.mu.
func (q *Queue) notifyLocked() {
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
}

// Wait blocks until the queue changes, timeout elapses or ctx is done. It
// reports whether it was woken by a change.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) bool {
	q.mu.Lock()
	ch := q.notifyCh
	q.mu.Unlock()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Enqueue stores a message. Messages with a positive delay go to the delay
// index and become available once due.
func (q *Queue) Enqueue(ctx context.Context, h Header, body []byte, opts EnqueueOptions) (uint64, error) {
	if opts.NowMs <= 0 {
		opts.NowMs = time.Now().UnixMilli()
	}
	h.Priority = opts.Priority
	if h.EnqueuedMs == 0 {
		h.EnqueuedMs = opts.NowMs
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	seq := q.lastSeq + 1
	val, err := encodeRecord(h, body)
	if err != nil {
		return 0, err
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(q.name, seq), val, nil); err != nil {
		return 0, err
	}
	if opts.DelayMs > 0 {
		if err := b.Set(delayKey(q.name, opts.NowMs+opts.DelayMs, seq), appendU32(nil, h.Priority), nil); err != nil {
			return 0, err
		}
	} else if err := b.Set(readyKey(q.name, h.Priority, seq), nil, nil); err != nil {
		return 0, err
	}
	if err := b.Set(queueMetaKey(q.name), appendU64(nil, seq), nil); err != nil {
		return 0, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	q.lastSeq = seq
	if opts.DelayMs <= 0 {
		q.notifyLocked()
	}
	return seq, nil
}

// promoteDueLocked moves due delayed messages into the ready index.
func (q *Queue) promoteDueLocked(ctx context.Context, nowMs int64) (int, error) {
	prefix := delayPrefix(q.name)
	iter, err := q.db.NewIter(pebblestore.PrefixBounds(prefix))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	promoted := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if int64(leadingU64(k, len(prefix))) > nowMs {
			break
		}
		v := iter.Value()
		if len(v) < 4 {
			_ = b.Delete(k, nil)
			continue
		}
		seq := trailingSeq(k)
		if err := b.Delete(k, nil); err != nil {
			return 0, err
		}
		if err := b.Set(readyKey(q.name, binary.BigEndian.Uint32(v[:4]), seq), nil, nil); err != nil {
			return 0, err
		}
		promoted++
	}
	if b.Empty() {
		return 0, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	if promoted > 0 {
		q.notifyLocked()
	}
	return promoted, nil
}

// Dequeue leases the highest-priority available message accepted by filter.
// It returns nil when nothing matches.
func (q *Queue) Dequeue(ctx context.Context, consumer string, leaseMs, nowMs int64, filter Filter) (*Delivery, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	if leaseMs <= 0 {
		leaseMs = 30_000
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.promoteDueLocked(ctx, nowMs); err != nil {
		return nil, err
	}

	iter, err := q.db.NewIter(pebblestore.PrefixBounds(readyPrefix(q.name)))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	var d *Delivery
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		seq := trailingSeq(k)
		val, err := q.db.Get(msgKey(q.name, seq))
		if err != nil {
			// orphaned index entry
			_ = b.Delete(k, nil)
			continue
		}
		h, body, err := decodeRecord(val)
		if err != nil {
			_ = b.Delete(k, nil)
			_ = b.Delete(msgKey(q.name, seq), nil)
			continue
		}
		if filter != nil && !filter(h, body) {
			continue
		}

		deliveries := uint32(1)
		if raw, err := q.db.Get(dlvKey(q.name, seq)); err == nil && len(raw) >= 4 {
			deliveries = binary.BigEndian.Uint32(raw) + 1
		}
		exp := nowMs + leaseMs
		lease := appendU32(appendU64(nil, uint64(exp)), h.Priority)
		lease = append(lease, consumer...)
		if err := b.Delete(k, nil); err != nil {
			return nil, err
		}
		if err := b.Set(leaseKey(q.name, seq), lease, nil); err != nil {
			return nil, err
		}
		if err := b.Set(leaseIdxKey(q.name, exp, seq), nil, nil); err != nil {
			return nil, err
		}
		if err := b.Set(dlvKey(q.name, seq), appendU32(nil, deliveries), nil); err != nil {
			return nil, err
		}
		d = &Delivery{Header: h, Seq: seq, Body: body, Deliveries: deliveries, ExpiresMs: exp}
		break
	}
	if !b.Empty() {
		if err := q.db.CommitBatch(ctx, b); err != nil {
			return nil, err
		}
	}
	return d, nil
}

type lease struct {
	expiresMs int64
	priority  uint32
	consumer  string
}

func (q *Queue) loadLease(seq uint64) (lease, error) {
	raw, err := q.db.Get(leaseKey(q.name, seq))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return lease{}, ErrNotLeased
		}
		return lease{}, err
	}
	if len(raw) < 12 {
		return lease{}, ErrNotLeased
	}
	return lease{
		expiresMs: int64(binary.BigEndian.Uint64(raw[:8])),
		priority:  binary.BigEndian.Uint32(raw[8:12]),
		consumer:  string(raw[12:]),
	}, nil
}

// Ack removes a leased message permanently.
func (q *Queue) Ack(ctx context.Context, seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, err := q.loadLease(seq)
	if err != nil {
		return err
	}
	b := q.db.NewBatch()
	defer b.Close()
	for _, k := range [][]byte{leaseKey(q.name, seq), leaseIdxKey(q.name, l.expiresMs, seq), msgKey(q.name, seq), dlvKey(q.name, seq)} {
		if err := b.Delete(k, nil); err != nil {
			return err
		}
	}
	return q.db.CommitBatch(ctx, b)
}

// Release returns a leased message to the ready index for redelivery. The
// delivery counter is kept.
func (q *Queue) Release(ctx context.Context, seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, err := q.loadLease(seq)
	if err != nil {
		return err
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := q.requeueLocked(b, seq, l); err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	q.notifyLocked()
	return nil
}

func (q *Queue) requeueLocked(b *pebble.Batch, seq uint64, l lease) error {
	if err := b.Delete(leaseKey(q.name, seq), nil); err != nil {
		return err
	}
	if err := b.Delete(leaseIdxKey(q.name, l.expiresMs, seq), nil); err != nil {
		return err
	}
	return b.Set(readyKey(q.name, l.priority, seq), nil, nil)
}

// ReclaimExpired returns messages whose lease expired before nowMs to the
// ready index. max <= 0 means no limit.
func (q *Queue) ReclaimExpired(ctx context.Context, nowMs int64, max int) (int, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	prefix := leaseIdxPrefix(q.name)
	iter, err := q.db.NewIter(pebblestore.PrefixBounds(prefix))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	reclaimed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if int64(leadingU64(k, len(prefix))) > nowMs {
			break
		}
		seq := trailingSeq(k)
		l, err := q.loadLease(seq)
		if err != nil {
			_ = b.Delete(k, nil)
			continue
		}
		if err := q.requeueLocked(b, seq, l); err != nil {
			return reclaimed, err
		}
		reclaimed++
		if max > 0 && reclaimed >= max {
			break
		}
	}
	if b.Empty() {
		return 0, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		q.notifyLocked()
	}
	if reclaimed >= 4096 {
		_ = q.db.CompactRange(prefix, append(append([]byte{}, prefix...), 0xFF))
	}
	return reclaimed, nil
}

// Depth returns the number of messages available for delivery now. Scheduled
// messages that are not yet due and leased messages are excluded.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	_, err := q.promoteDueLocked(ctx, time.Now().UnixMilli())
	q.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return q.db.CountPrefix(readyPrefix(q.name))
}

// Stats reports counts per state.
type Stats struct {
	Ready     int
	Scheduled int
	Leased    int
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Ready, err = q.Depth(ctx); err != nil {
		return s, err
	}
	if s.Scheduled, err = q.db.CountPrefix(delayPrefix(q.name)); err != nil {
		return s, err
	}
	s.Leased, err = q.db.CountPrefix(leasePrefix(q.name))
	return s, err
}

// StartSweeper runs a background loop that reclaims expired leases and
// promotes due messages.
func (q *Queue) StartSweeper(interval time.Duration, maxPerTick int) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if maxPerTick <= 0 {
		maxPerTick = 1024
	}
	q.sweepMu.Lock()
	defer q.sweepMu.Unlock()
	if q.sweepStop != nil {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	q.sweepStop, q.sweepDone = stop, done
	go func() {
		defer close(done)
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			select {
			case <-stop:
				return
			case <-time.After(interval + time.Duration(rng.Int63n(int64(interval/10+1)))):
				now := time.Now().UnixMilli()
				_, _ = q.ReclaimExpired(context.Background(), now, maxPerTick)
				q.mu.Lock()
				_, _ = q.promoteDueLocked(context.Background(), now)
				q.mu.Unlock()
			}
		}
	}()
}

// StopSweeper stops the background sweeper and waits for it to exit.
func (q *Queue) StopSweeper() {
	q.sweepMu.Lock()
	stop, done := q.sweepStop, q.sweepDone
	q.sweepStop, q.sweepDone = nil, nil
	q.sweepMu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}
