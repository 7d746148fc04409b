// Package journal forwards session lifecycle snapshots to an outbound audit
// sink. Entries are never read back.
package journal

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"

	"github.com/marko911/counter-pulse/internal/session"
)

// Entry is one journaled state change.
type Entry struct {
	ID      string    `json:"id"`
	Seq     uint64    `json:"seq"`
	Version uint64    `json:"version"`
	Cause   string    `json:"cause"`
	Time    time.Time `json:"time"`

	Address string `json:"address,omitempty"`
	Owner   string `json:"owner,omitempty"`
	IsOwner bool   `json:"is_owner"`

	Counter       string `json:"counter"`
	CounterSynced bool   `json:"counter_synced"`

	TxID    string `json:"tx_id,omitempty"`
	TxKind  string `json:"tx_kind,omitempty"`
	TxPhase string `json:"tx_phase,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// FromSnapshot converts a published snapshot into a journal entry.
func FromSnapshot(snap session.Snapshot, at time.Time) Entry {
	e := Entry{
		ID:            uuid.NewString(),
		Seq:           snap.Seq,
		Version:       snap.Version,
		Cause:         string(snap.Cause),
		Time:          at.UTC(),
		Address:       snap.Address,
		Owner:         snap.Owner,
		IsOwner:       snap.IsOwner,
		Counter:       "0",
		CounterSynced: snap.CounterSynced,
		Error:         snap.Error,
		ErrorKind:     snap.ErrorKind,
	}
	if snap.Counter != nil {
		e.Counter = snap.Counter.String()
	}
	if tx := snap.Transaction; tx != nil {
		e.TxID = tx.ID
		e.TxKind = string(tx.Kind)
		e.TxPhase = string(tx.Phase)
		e.TxHash = tx.Hash
	}
	return e
}

// Key groups entries of one identity together on partitioned sinks.
func (e Entry) Key() string {
	if e.Address == "" {
		return "anonymous"
	}
	return e.Address
}

// Sink receives journal entries in publication order.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

// Source publishes session snapshots. *session.Manager implements it.
type Source interface {
	SubscribeState(ch chan<- session.Snapshot) event.Subscription
}

// Recorder copies snapshots from a Source into a Sink. Snapshots are taken
// off the feed immediately and written from a bounded queue so a slow sink
// never stalls the session; entries that do not fit are dropped.
type Recorder struct {
	sink         Sink
	logger       *slog.Logger
	buffer       int
	writeTimeout time.Duration
	now          func() time.Time

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(sink Sink, cfg Config, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultConfig().Buffer
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().WriteTimeout
	}
	return &Recorder{
		sink:         sink,
		logger:       logger.With("component", "journal"),
		buffer:       buffer,
		writeTimeout: timeout,
		now:          time.Now,
	}
}

// Run records until ctx ends or the subscription fails, then flushes what is
// already queued.
func (r *Recorder) Run(ctx context.Context, src Source) error {
	snaps := make(chan session.Snapshot, 16)
	sub := src.SubscribeState(snaps)
	defer sub.Unsubscribe()

	queue := make(chan Entry, r.buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.drain(queue)
	}()
	defer func() {
		close(queue)
		<-done
	}()

	r.logger.Info("journal recorder started", "buffer", r.buffer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case snap := <-snaps:
			entry := FromSnapshot(snap, r.now())
			select {
			case queue <- entry:
			default:
				r.dropped.Add(1)
				r.logger.Warn("journal queue full, dropping entry",
					"seq", entry.Seq,
					"cause", entry.Cause,
				)
			}
		}
	}
}

func (r *Recorder) drain(queue <-chan Entry) {
	for entry := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		err := r.sink.Write(ctx, entry)
		cancel()

		if err != nil {
			r.failed.Add(1)
			r.logger.Error("failed to write journal entry",
				"seq", entry.Seq,
				"cause", entry.Cause,
				"error", err,
			)
			continue
		}
		r.written.Add(1)
	}
}

// Stats reports entries written, dropped on a full queue and failed.
func (r *Recorder) Stats() (written, dropped, failed uint64) {
	return r.written.Load(), r.dropped.Load(), r.failed.Load()
}
