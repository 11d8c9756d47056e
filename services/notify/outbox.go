// Package notify persists ledger events in a key-value outbox and delivers
// them to a webhook.
package notify

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"commitchain/core/events"
	"commitchain/observability"
	"commitchain/storage"
)

var (
	pendingPrefix = []byte("outbox/pending/")
	deadPrefix    = []byte("outbox/dead/")
)

// Record is one stored notification.
type Record struct {
	Sequence   uint64            `json:"sequence"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Stream     string            `json:"stream"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
	Attempts   int               `json:"attempts,omitempty"`
	NotBefore  time.Time         `json:"notBefore,omitempty"`
	LastError  string            `json:"lastError,omitempty"`
}

// Outbox is an events.Emitter that appends to a storage.Database. Emit
// never fails the caller: storage errors are logged.
type Outbox struct {
	mu      sync.Mutex
	db      storage.Database
	next    uint64
	pending int
	logger  *slog.Logger
	nowFn   func() time.Time
}

var _ events.Emitter = (*Outbox)(nil)

// OpenOutbox resumes the sequence from the records already stored in db.
func OpenOutbox(db storage.Database, logger *slog.Logger) (*Outbox, error) {
	if db == nil {
		return nil, errors.New("notify: outbox database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Outbox{db: db, next: 1, logger: logger.With(slog.String("component", "notify")), nowFn: time.Now}
	for _, prefix := range [][]byte{pendingPrefix, deadPrefix} {
		err := db.Iterate(prefix, func(key, _ []byte) bool {
			if seq := sequenceOf(prefix, key); seq >= o.next {
				o.next = seq + 1
			}
			if string(prefix) == string(pendingPrefix) {
				o.pending++
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("notify: scan outbox: %w", err)
		}
	}
	observability.Events().SetPending(o.pending)
	return o, nil
}

func recordKey(prefix []byte, seq uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func sequenceOf(prefix, key []byte) uint64 {
	if len(key) != len(prefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(prefix):])
}

// Emit stores evt for delivery.
func (o *Outbox) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	rec := Record{
		Sequence:   o.next,
		ID:         uuid.NewString(),
		Type:       payload.Type,
		Stream:     payload.Stream,
		Attributes: payload.Attributes,
		CreatedAt:  o.nowFn().UTC(),
	}
	if err := o.put(pendingPrefix, rec); err != nil {
		o.logger.Error("notification dropped", "type", rec.Type, "error", err)
		return
	}
	o.next++
	o.pending++
	observability.Events().RecordEmitted(rec.Type)
	observability.Events().SetPending(o.pending)
}

func (o *Outbox) put(prefix []byte, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return o.db.Put(recordKey(prefix, rec.Sequence), raw)
}

// Pending returns up to limit undelivered records in sequence order.
func (o *Outbox) Pending(limit int) ([]Record, error) {
	var out []Record
	var decodeErr error
	err := o.db.Iterate(pendingPrefix, func(_, value []byte) bool {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			decodeErr = err
			return false
		}
		out = append(out, rec)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("notify: decode record: %w", decodeErr)
	}
	return out, nil
}

// Dead returns the records abandoned after too many failed deliveries.
func (o *Outbox) Dead() ([]Record, error) {
	var out []Record
	err := o.db.Iterate(deadPrefix, func(_, value []byte) bool {
		var rec Record
		if json.Unmarshal(value, &rec) == nil {
			out = append(out, rec)
		}
		return true
	})
	return out, err
}

// Ack removes a delivered record.
func (o *Outbox) Ack(seq uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.db.Delete(recordKey(pendingPrefix, seq)); err != nil {
		return err
	}
	o.decPending()
	return nil
}

// Reschedule stores a failed attempt.
func (o *Outbox) Reschedule(rec Record) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.put(pendingPrefix, rec)
}

// Bury moves rec out of the pending queue.
func (o *Outbox) Bury(rec Record) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.put(deadPrefix, rec); err != nil {
		return err
	}
	if err := o.db.Delete(recordKey(pendingPrefix, rec.Sequence)); err != nil {
		return err
	}
	o.decPending()
	return nil
}

func (o *Outbox) decPending() {
	if o.pending > 0 {
		o.pending--
	}
	observability.Events().SetPending(o.pending)
}
