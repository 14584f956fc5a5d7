package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
)

// invalidationQueueCapacity bounds each instance's pending-invalidation
// set. Exceeding it drops everything accumulated so far and forces a full
// refresh on the instance's next poll, per the overflow policy in §5.
const invalidationQueueCapacity = 4096

// instanceQueue is one per-thread instance's view of the invalidation bus:
// a bounded set of zoids invalidated since its last poll, plus the
// "treat your cache as cold" signal for the first poll and for any poll
// following an overflow or listener reconnect.
type instanceQueue struct {
	mu           sync.Mutex
	polled       bool
	needsRefresh bool
	pending      map[uint64]struct{}
}

func newInstanceQueueEntry() *instanceQueue {
	return &instanceQueue{pending: make(map[uint64]struct{})}
}

func (q *instanceQueue) push(zoids []uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, z := range zoids {
		q.pending[z] = struct{}{}
	}
	if len(q.pending) > invalidationQueueCapacity {
		q.pending = make(map[uint64]struct{})
		q.needsRefresh = true
	}
}

func (q *instanceQueue) markFullRefresh() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.needsRefresh = true
	q.pending = make(map[uint64]struct{})
}

// poll drains the queue and returns the invalidated zoid set, or nil if the
// caller must treat its cache as cold (first call ever, or since the last
// overflow/reconnect).
func (q *instanceQueue) poll() map[uint64]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.polled {
		q.polled = true
		q.needsRefresh = false
		q.pending = make(map[uint64]struct{})
		return nil
	}
	if q.needsRefresh {
		q.needsRefresh = false
		q.pending = make(map[uint64]struct{})
		return nil
	}
	out := q.pending
	q.pending = make(map[uint64]struct{})
	return out
}

// invalidationBus owns the single dedicated LISTEN connection and fans
// each NOTIFY payload out to every live instance. Grounded on the
// teacher's watchdog reconnect-with-backoff loop and its event-bus
// dispatch pattern (mutex-protected registrant set, no-op when nothing is
// registered).
type invalidationBus struct {
	dsn     string
	channel string
	pool    *pool

	mu        sync.Mutex
	instances map[*instanceQueue]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func newInvalidationBus(dsn, channel string, p *pool) *invalidationBus {
	return &invalidationBus{
		dsn:       dsn,
		channel:   channel,
		pool:      p,
		instances: make(map[*instanceQueue]struct{}),
		done:      make(chan struct{}),
	}
}

func (b *invalidationBus) register() *instanceQueue {
	q := newInstanceQueueEntry()
	b.mu.Lock()
	b.instances[q] = struct{}{}
	b.mu.Unlock()
	return q
}

func (b *invalidationBus) unregister(q *instanceQueue) {
	b.mu.Lock()
	delete(b.instances, q)
	b.mu.Unlock()
}

func (b *invalidationBus) broadcast(zoids []uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for q := range b.instances {
		q.push(zoids)
	}
}

func (b *invalidationBus) broadcastFullRefresh() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for q := range b.instances {
		q.markFullRefresh()
	}
}

// start spawns the listener goroutine. It runs until ctx is canceled or
// stop() is called.
func (b *invalidationBus) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.loop(ctx)
}

func (b *invalidationBus) stop() {
	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
}

func (b *invalidationBus) loop(ctx context.Context) {
	defer close(b.done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second

	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			b.broadcastFullRefresh()
			wait := bo.NextBackOff()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		first = false

		if err := b.listenOnce(ctx); err != nil {
			slog.Warn("pgstore: invalidation listener disconnected", "error", err)
			continue
		}
		bo.Reset()
	}
}

// listenOnce holds one dedicated autocommit LISTEN connection open until it
// errors or ctx is canceled. Returning nil only happens on clean shutdown.
func (b *invalidationBus) listenOnce(ctx context.Context) error {
	conn, err := dedicatedConn(ctx, b.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", b.channel, err)
	}

	for {
		notif, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		tid, err := strconv.ParseUint(notif.Payload, 10, 64)
		if err != nil {
			slog.Warn("pgstore: invalidation payload not a tid", "payload", notif.Payload)
			continue
		}
		zoids, err := zoidsForTid(ctx, b.pool.pgxpool, tid)
		if err != nil {
			slog.Warn("pgstore: failed to resolve invalidated zoids", "tid", tid, "error", err)
			continue
		}
		b.broadcast(zoids)
	}
}

func zoidsForTid(ctx context.Context, q querier, tid uint64) ([]uint64, error) {
	rows, err := q.Query(ctx, `SELECT zoid FROM object_state WHERE tid = $1`, tid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint64
	for rows.Next() {
		var z uint64
		if err := rows.Scan(&z); err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}
