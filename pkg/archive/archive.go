package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/foreman/pkg/governance"
)

// Receipt describes an archived bundle.
type Receipt struct {
	Key    string `json:"key"`
	Digest string `json:"digest"`
	Size   int    `json:"size"`
}

// Archiver writes verified governance bundles to a Store.
type Archiver struct {
	store  Store
	logger *slog.Logger
}

// New wraps store. A nil logger uses slog.Default.
func New(store Store, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, logger: logger}
}

// BundleKey is the object key for a bundle id.
func BundleKey(bundleID string) string {
	return "bundles/" + bundleID + ".json"
}

// PutBundle verifies b and stores it under BundleKey(b.BundleID).
// Re-archiving the same bundle is a no-op.
func (a *Archiver) PutBundle(ctx context.Context, b *governance.Bundle) (Receipt, error) {
	if err := governance.VerifyBundle(b); err != nil {
		return Receipt{}, fmt.Errorf("archive: refusing unverifiable bundle: %w", err)
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return Receipt{}, fmt.Errorf("archive: encode bundle: %w", err)
	}
	key := BundleKey(b.BundleID)
	if err := a.store.Put(ctx, key, data); err != nil {
		return Receipt{}, err
	}
	sum := sha256.Sum256(data)
	r := Receipt{Key: key, Digest: "sha256:" + hex.EncodeToString(sum[:]), Size: len(data)}
	a.logger.Info("governance bundle archived",
		"bundle_id", b.BundleID, "key", key, "digest", r.Digest,
		"start_sequence", b.StartSeq, "end_sequence", b.EndSeq)
	return r, nil
}

// GetBundle fetches a bundle and verifies it before returning.
func (a *Archiver) GetBundle(ctx context.Context, bundleID string) (*governance.Bundle, error) {
	data, err := a.store.Get(ctx, BundleKey(bundleID))
	if err != nil {
		return nil, err
	}
	var b governance.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("archive: decode bundle %s: %w", bundleID, err)
	}
	if err := governance.VerifyBundle(&b); err != nil {
		return nil, fmt.Errorf("archive: bundle %s: %w", bundleID, err)
	}
	return &b, nil
}
