// Package queue implements the durable outbound message queue used while
// the socket is unavailable. The whole queue is persisted as one blob in a
// key-value slot, optionally encrypted, and reloaded on start.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/streamchat/internal/shared"
	"github.com/google/uuid"
)

// Item is one queued outbound message.
type Item struct {
	ID         string          `json:"id"`
	Message    json.RawMessage `json:"message"`
	Timestamp  int64           `json:"timestamp"` // enqueue time, unix ms
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"maxRetries"`
	// Text marks a payload that was not JSON and is stored as a JSON string.
	Text bool `json:"text,omitempty"`
}

// EnqueuedAt returns the enqueue time.
func (i Item) EnqueuedAt() time.Time {
	return time.UnixMilli(i.Timestamp)
}

// Payload returns the bytes originally passed to Enqueue.
func (i Item) Payload() []byte {
	if !i.Text {
		return i.Message
	}
	var s string
	if err := json.Unmarshal(i.Message, &s); err != nil {
		return i.Message
	}
	return []byte(s)
}

// Config holds queue configuration.
type Config struct {
	StorageKey string
	MaxSize    int
	MaxRetries int
	StaleAfter time.Duration
	// QuotaKeep is how many of the newest items survive a quota failure.
	QuotaKeep  int
	Encrypt    bool
	Passphrase string
	Now        func() time.Time
	// OnOverflow is called with each item evicted because the queue is full.
	OnOverflow func(Item)
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		StorageKey: "ws_message_queue",
		MaxSize:    100,
		MaxRetries: 3,
		StaleAfter: 24 * time.Hour,
		QuotaKeep:  10,
		Encrypt:    true,
		Now:        time.Now,
	}
}

// Queue is a FIFO of outbound messages persisted after every mutation.
// It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	items   []Item
	storage Storage
	cipher  *Cipher
	cfg     Config
	logger  *slog.Logger
}

// Open loads the queue stored under cfg.StorageKey. Unreadable data yields
// an empty queue; entries older than cfg.StaleAfter are discarded.
func Open(ctx context.Context, storage Storage, cfg Config, logger *slog.Logger) (*Queue, error) {
	if storage == nil {
		return nil, errors.New("queue storage is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = withDefaults(cfg)

	q := &Queue{storage: storage, cfg: cfg, logger: logger}
	if cfg.Encrypt {
		pass := cfg.Passphrase
		if pass == "" {
			pass = LocalPassphrase()
		}
		c, err := NewCipher(pass)
		if err != nil {
			return nil, fmt.Errorf("create queue cipher: %w", err)
		}
		q.cipher = c
	}

	q.load(ctx)
	return q, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.StorageKey == "" {
		cfg.StorageKey = def.StorageKey
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.QuotaKeep <= 0 {
		cfg.QuotaKeep = def.QuotaKeep
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return cfg
}

func (q *Queue) load(ctx context.Context) {
	raw, ok, err := q.storage.Get(ctx, q.cfg.StorageKey)
	if err != nil {
		q.logger.Error("[QUEUE] Failed to load from storage", "error", err)
		return
	}
	if !ok || len(raw) == 0 {
		return
	}

	items, strategy, err := q.decode(raw)
	if err != nil {
		q.logger.Error("[QUEUE] Failed to parse stored data, starting empty", "error", err)
		return
	}

	now := q.cfg.Now()
	fresh := items[:0]
	for _, it := range items {
		age := now.Sub(it.EnqueuedAt())
		if age > q.cfg.StaleAfter {
			q.logger.Warn("[QUEUE] Removing stale message", "id", it.ID, "age_minutes", int(age.Minutes()))
			continue
		}
		if it.MaxRetries <= 0 {
			it.MaxRetries = q.cfg.MaxRetries
		}
		fresh = append(fresh, it)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = fresh
	q.logger.Info("[QUEUE] Loaded from storage", "messages", len(fresh), "format", strategy.name)

	if strategy.migrate {
		q.logger.Info("[QUEUE] Migrating unencrypted data to encrypted storage")
		q.persistLocked(ctx)
	} else if len(fresh) != len(items) {
		q.persistLocked(ctx)
	}
}

// Enqueue appends payload and persists the queue. When the queue exceeds
// its maximum size the oldest item is evicted. Payloads that are not JSON
// are stored as a JSON string and returned unchanged by Item.Payload.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (Item, error) {
	item := Item{
		ID:         uuid.NewString(),
		Timestamp:  q.cfg.Now().UnixMilli(),
		MaxRetries: q.cfg.MaxRetries,
	}
	if json.Valid(payload) {
		item.Message = make(json.RawMessage, len(payload))
		copy(item.Message, payload)
	} else {
		text, err := json.Marshal(string(payload))
		if err != nil {
			return Item{}, fmt.Errorf("enqueue: %w", err)
		}
		item.Message = text
		item.Text = true
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	var evicted []Item
	for len(q.items) > q.cfg.MaxSize {
		evicted = append(evicted, q.items[0])
		q.items = q.items[1:]
	}
	for _, e := range evicted {
		q.logger.Warn("[QUEUE] Queue size exceeded, removing oldest message",
			"dropped_id", e.ID, "max_size", q.cfg.MaxSize, "error", shared.ErrQueueOverflow)
	}
	q.persistLocked(ctx)
	size := len(q.items)
	q.mu.Unlock()

	q.logger.Debug("[QUEUE] Message enqueued", "id", item.ID, "size", size)
	if q.cfg.OnOverflow != nil {
		for _, e := range evicted {
			q.cfg.OnOverflow(e)
		}
	}
	return item, nil
}

// Dequeue removes and returns the oldest item.
func (q *Queue) Dequeue(ctx context.Context) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.persistLocked(ctx)
	q.logger.Debug("[QUEUE] Message dequeued", "id", item.ID, "remaining", len(q.items))
	return item, true
}

// Peek returns the oldest item without removing it.
func (q *Queue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Size returns the number of queued items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue has no items.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// All returns a copy of the queued items in FIFO order.
func (q *Queue) All() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// IncrementRetry records a failed delivery of id. It returns false, and
// removes the item, once the item has used all of its retries. Unknown
// ids also return false.
func (q *Queue) IncrementRetry(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return false
	}
	q.items[idx].Retries++
	if q.items[idx].Retries >= q.items[idx].MaxRetries {
		q.logger.Error("[QUEUE] Max retries exceeded for message", "id", id, "retries", q.items[idx].Retries)
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.persistLocked(ctx)
		return false
	}
	q.persistLocked(ctx)
	return true
}

// Contains reports whether id is still queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexLocked(id) >= 0
}

// Remove deletes id from the queue and reports whether it was present.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return false
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.persistLocked(ctx)
	q.logger.Debug("[QUEUE] Message removed", "id", id)
	return true
}

// Clear empties the queue and persists the empty state.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.persistLocked(ctx)
	q.logger.Info("[QUEUE] Queue cleared")
}

// SecureDelete drops all items and removes the storage slot.
func (q *Queue) SecureDelete(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	if err := q.storage.Delete(ctx, q.cfg.StorageKey); err != nil {
		return fmt.Errorf("delete queue storage: %w", err)
	}
	q.logger.Info("[QUEUE] Securely deleted all data")
	return nil
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

// persistLocked writes the queue. On a quota failure it keeps only the
// newest QuotaKeep items and tries once more; any remaining failure is
// logged and dropped.
func (q *Queue) persistLocked(ctx context.Context) {
	err := q.writeLocked(ctx)
	if err == nil {
		return
	}
	if !shared.IsQuotaError(err) {
		q.logger.Error("[QUEUE] Failed to save to storage", "error", err)
		return
	}

	q.logger.Warn("[QUEUE] Storage quota exceeded, clearing old messages",
		"size", len(q.items), "keep", q.cfg.QuotaKeep)
	if len(q.items) > q.cfg.QuotaKeep {
		q.items = append([]Item(nil), q.items[len(q.items)-q.cfg.QuotaKeep:]...)
	}
	if err := q.writeLocked(ctx); err != nil {
		q.logger.Error("[QUEUE] Still failed after clearing", "error", err)
	}
}

func (q *Queue) writeLocked(ctx context.Context) error {
	data, err := q.encode(q.items)
	if err != nil {
		return err
	}
	return q.storage.Set(ctx, q.cfg.StorageKey, data)
}
