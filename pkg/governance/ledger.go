package governance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

const genesisHash = "genesis"

// ContentHash returns "sha256:<hex>" over the RFC 8785 canonical JSON form of v.
func ContentHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize for hashing: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Ledger is the hash-chained Memory implementation. Every record commits to
// its predecessor, so any edit or deletion of a persisted row is detected by
// VerifyChain.
type Ledger struct {
	mu       sync.RWMutex
	store    RecordStore
	records  []Record
	head     string
	handlers []func(Record)
	clock    func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the wall clock.
func WithLedgerClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) { l.clock = clock }
}

// NewLedger loads and verifies any persisted chain from store. A nil store
// keeps records in memory only.
func NewLedger(ctx context.Context, store RecordStore, opts ...LedgerOption) (*Ledger, error) {
	l := &Ledger{
		store: store,
		head:  genesisHash,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if store == nil {
		return l, nil
	}

	records, err := store.LoadRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("load governance records: %w", err)
	}
	if err := verifyRecords(records); err != nil {
		return nil, err
	}
	l.records = records
	if n := len(records); n > 0 {
		l.head = records[n-1].Hash
	}
	return l, nil
}

// LogGovernanceEvent appends event to the chain. Nothing is appended in memory
// unless the durable write succeeded.
func (l *Ledger) LogGovernanceEvent(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	rec := Record{
		ID:           uuid.NewString(),
		Sequence:     uint64(len(l.records)) + 1,
		Timestamp:    l.clock().UTC().Truncate(time.Microsecond),
		Type:         event.Type,
		Severity:     event.Severity,
		Description:  event.Description,
		Metadata:     event.Metadata,
		PreviousHash: l.head,
	}
	hash, err := recordHash(rec)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	rec.Hash = hash

	if l.store != nil {
		if err := l.store.AppendRecord(ctx, rec); err != nil {
			l.mu.Unlock()
			return fmt.Errorf("persist governance record: %w", err)
		}
	}
	l.records = append(l.records, rec)
	l.head = rec.Hash
	handlers := append([]func(Record){}, l.handlers...)
	l.mu.Unlock()

	for _, h := range handlers {
		h(rec)
	}
	return nil
}

// OnAppend registers a handler invoked after each successful append.
func (l *Ledger) OnAppend(h func(Record)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Head returns the hash of the latest record.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Filter selects records. Zero values match everything.
type Filter struct {
	Type        EventType
	MinSeverity Severity
	Since       time.Time
	Until       time.Time
	Limit       int
}

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func (f Filter) matches(r Record) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.MinSeverity != "" && severityRank[r.Severity] < severityRank[f.MinSeverity] {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Query returns copies of the records matching f, oldest first.
func (l *Ledger) Query(f Filter) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0)
	for _, r := range l.records {
		if !f.matches(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// VerifyChain recomputes every hash and link in the chain.
func (l *Ledger) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyRecords(l.records)
}

func verifyRecords(records []Record) error {
	prev := genesisHash
	for i, r := range records {
		if r.PreviousHash != prev {
			return fmt.Errorf("%w: record %d links to %s, expected %s", ErrChainBroken, r.Sequence, r.PreviousHash, prev)
		}
		if r.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: record at position %d has sequence %d", ErrChainBroken, i, r.Sequence)
		}
		computed, err := recordHash(r)
		if err != nil {
			return fmt.Errorf("%w: record %d: %w", ErrChainBroken, r.Sequence, err)
		}
		if computed != r.Hash {
			return fmt.Errorf("%w: record %d hash mismatch", ErrChainBroken, r.Sequence)
		}
		prev = r.Hash
	}
	return nil
}

func recordHash(r Record) (string, error) {
	hashable := struct {
		ID           string         `json:"id"`
		Sequence     uint64         `json:"sequence"`
		Timestamp    time.Time      `json:"timestamp"`
		Type         EventType      `json:"type"`
		Severity     Severity       `json:"severity"`
		Description  string         `json:"description"`
		Metadata     map[string]any `json:"metadata,omitempty"`
		PreviousHash string         `json:"previous_hash"`
	}{r.ID, r.Sequence, r.Timestamp.UTC(), r.Type, r.Severity, r.Description, r.Metadata, r.PreviousHash}
	return ContentHash(hashable)
}

// Bundle is an exportable, self-verifying slice of the chain.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	Records    []Record  `json:"records"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// ExportBundle exports the records matching f.
func (l *Ledger) ExportBundle(f Filter) (*Bundle, error) {
	records := l.Query(f)
	if len(records) == 0 {
		return nil, fmt.Errorf("no governance records match filter")
	}
	hash, err := ContentHash(records)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		BundleID:   uuid.NewString(),
		CreatedAt:  l.clock().UTC(),
		StartSeq:   records[0].Sequence,
		EndSeq:     records[len(records)-1].Sequence,
		Records:    records,
		ChainHead:  records[len(records)-1].Hash,
		BundleHash: hash,
	}, nil
}

// VerifyBundle checks a bundle's hash, each record's own hash, and the links
// between consecutive records. Filtered bundles may skip sequences; links are
// only checked between adjacent sequence numbers.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Records) == 0 {
		return fmt.Errorf("bundle is empty")
	}
	hash, err := ContentHash(b.Records)
	if err != nil {
		return err
	}
	if hash != b.BundleHash {
		return fmt.Errorf("bundle hash mismatch")
	}
	for i, r := range b.Records {
		computed, err := recordHash(r)
		if err != nil {
			return err
		}
		if computed != r.Hash {
			return fmt.Errorf("%w: record %d hash mismatch", ErrChainBroken, r.Sequence)
		}
		if i > 0 && b.Records[i-1].Sequence+1 == r.Sequence && r.PreviousHash != b.Records[i-1].Hash {
			return fmt.Errorf("%w: record %d does not link to %d", ErrChainBroken, r.Sequence, b.Records[i-1].Sequence)
		}
	}
	return nil
}
