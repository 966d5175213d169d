// Package history keeps the bounded list of recently identified plants.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/franckalain/plantdex/internal/database"
	"github.com/franckalain/plantdex/internal/logging"
	"github.com/franckalain/plantdex/internal/models"
)

const (
	// Namespace is the store namespace the ledger writes under.
	Namespace = "history"
	listKey   = "recent"

	DefaultMaxEntries = 10
)

// Ledger is a most-recent-first, name-deduplicated list of HistoryEntry
// values persisted in a database.Store. Entries never expire; the list length
// is the only bound.
type Ledger struct {
	mu     sync.Mutex
	store  database.Store
	max    int
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used to date entries recorded without a date.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a ledger holding at most maxEntries entries.
func New(store database.Store, maxEntries int, opts ...Option) *Ledger {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	l := &Ledger{
		store:  store,
		max:    maxEntries,
		now:    time.Now,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "history")
	return l
}

// Record prepends entry, removing any earlier entry with the same name, and
// truncates the list. A full store is cleared and the write retried once.
func (l *Ledger) Record(ctx context.Context, entry models.HistoryEntry) error {
	entry.Name = strings.TrimSpace(entry.Name)
	if entry.Name == "" {
		return errors.New("history: entry has no name")
	}
	if entry.Date.IsZero() {
		entry.Date = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := l.load(ctx)
	if err != nil {
		return err
	}

	next := make([]models.HistoryEntry, 0, l.max)
	next = append(next, entry)
	for _, e := range current {
		if len(next) >= l.max {
			break
		}
		if strings.EqualFold(e.Name, entry.Name) {
			continue
		}
		next = append(next, e)
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	recovered, err := database.PutWithRecovery(ctx, l.store, Namespace, listKey, raw)
	if recovered {
		l.logger.Warn("store was full; cleared before saving history", "saved", err == nil)
	}
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// List returns the entries, most recent first. An empty or unreadable list
// yields no entries.
func (l *Ledger) List(ctx context.Context) ([]models.HistoryEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) > l.max {
		entries = entries[:l.max]
	}
	return entries, nil
}

// Max returns the configured list bound.
func (l *Ledger) Max() int {
	return l.max
}

func (l *Ledger) load(ctx context.Context) ([]models.HistoryEntry, error) {
	raw, err := l.store.Get(ctx, Namespace, listKey)
	if errors.Is(err, database.ErrNotFound) {
		return []models.HistoryEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	var entries []models.HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		l.logger.Warn("discarding unreadable history", "error", err)
		return []models.HistoryEntry{}, nil
	}
	return entries, nil
}
