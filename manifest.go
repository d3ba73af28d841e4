package wayfinder

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// manifestContentType marks a path manifest on the wire
const manifestContentType = "application/x.arweave-manifest+json"

// maxManifestBytes bounds manifest downloads (pre-check on content-length
// and post-check on the read).
const maxManifestBytes = 10 << 20

// ManifestResolver fetches, verifies, and caches path manifests, and maps
// subpaths to the content objects they name. Concurrent fetches for the
// same manifest share one in-flight call.
type ManifestResolver struct {
	pool     *GatewayPool
	registry *registryClient
	verifier *Verifier

	anchorCount int

	mu    sync.RWMutex
	cache map[string]*VerifiedManifest
	group singleflight.Group

	logger *zap.Logger
}

// NewManifestResolver builds the resolver over the trust-anchor pool
func NewManifestResolver(pool *GatewayPool, registry *registryClient, verifier *Verifier, anchorCount int, logger *zap.Logger) *ManifestResolver {
	return &ManifestResolver{
		pool:        pool,
		registry:    registry,
		verifier:    verifier,
		anchorCount: anchorCount,
		cache:       make(map[string]*VerifiedManifest),
		logger:      logger,
	}
}

// GetManifest returns the verified manifest for a txId, fetching the raw
// JSON from trust anchors on a cache miss.
func (m *ManifestResolver) GetManifest(ctx context.Context, txID string) (*VerifiedManifest, error) {
	m.mu.RLock()
	cached, ok := m.cache[txID]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := m.group.Do(txID, func() (interface{}, error) {
		// Re-check under the flight: a racing caller may have filled it.
		m.mu.RLock()
		cached, ok := m.cache[txID]
		m.mu.RUnlock()
		if ok {
			return cached, nil
		}

		manifest, err := m.fetchAndVerify(ctx, txID)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.cache[txID] = manifest
		m.mu.Unlock()
		return manifest, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*VerifiedManifest), nil
}

// ResolvePath maps a subpath through the manifest. The empty path serves
// the index; a missing path falls back to the manifest's fallback object
// when one exists.
func (m *ManifestResolver) ResolvePath(ctx context.Context, manifestTxID, path string) (ManifestTarget, error) {
	verified, err := m.GetManifest(ctx, manifestTxID)
	if err != nil {
		return ManifestTarget{}, err
	}
	manifest := verified.Manifest

	normalized := strings.TrimPrefix(path, "/")
	if normalized == "" {
		if manifest.Index == nil {
			return ManifestTarget{}, &ManifestPathNotFound{TxID: manifestTxID, Path: path}
		}
		indexPath := strings.TrimPrefix(manifest.Index.Path, "/")
		if entry, ok := manifest.Paths[indexPath]; ok {
			return ManifestTarget{TxID: entry.ID, IsIndex: true}, nil
		}
		return ManifestTarget{}, &ManifestError{TxID: manifestTxID, Reason: "index names a path the manifest does not contain"}
	}

	if entry, ok := manifest.Paths[normalized]; ok {
		return ManifestTarget{TxID: entry.ID}, nil
	}
	if entry, ok := manifest.Paths["/"+normalized]; ok {
		return ManifestTarget{TxID: entry.ID}, nil
	}
	if manifest.Fallback != nil && manifest.Fallback.ID != "" {
		return ManifestTarget{TxID: manifest.Fallback.ID}, nil
	}
	return ManifestTarget{}, &ManifestPathNotFound{TxID: manifestTxID, Path: path}
}

// Invalidate drops a cached manifest
func (m *ManifestResolver) Invalidate(txID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, txID)
}

// CachedTarget returns the content txId a cached manifest maps a path to,
// without any network traffic. Used for the engine's cache short-circuit.
func (m *ManifestResolver) CachedTarget(manifestTxID, path string) (ManifestTarget, bool) {
	m.mu.RLock()
	_, ok := m.cache[manifestTxID]
	m.mu.RUnlock()
	if !ok {
		return ManifestTarget{}, false
	}
	target, err := m.ResolvePath(context.Background(), manifestTxID, path)
	if err != nil {
		return ManifestTarget{}, false
	}
	return target, true
}

// fetchAndVerify pulls raw manifest JSON from trust anchors until one copy
// verifies and parses.
func (m *ManifestResolver) fetchAndVerify(ctx context.Context, txID string) (*VerifiedManifest, error) {
	anchors, err := m.pool.TopStaked(ctx, m.anchorCount)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, anchor := range anchors {
		data, err := m.registry.FetchRaw(ctx, anchor.Origin, txID, maxManifestBytes)
		if err != nil {
			m.logger.Debug("manifest fetch failed",
				zap.String("tx_id", txID),
				zap.String("anchor", anchor.Origin),
				zap.Error(err))
			lastErr = err
			continue
		}

		if _, err := m.verifier.VerifyBytes(ctx, data, txID, anchor.Origin); err != nil {
			m.logger.Warn("manifest failed verification",
				zap.String("tx_id", txID),
				zap.String("anchor", anchor.Origin),
				zap.Error(err))
			lastErr = err
			continue
		}

		manifest, err := parseManifest(txID, data)
		if err != nil {
			return nil, err
		}
		return &VerifiedManifest{
			TxID:       txID,
			Manifest:   *manifest,
			VerifiedAt: time.Now(),
			SizeBytes:  int64(len(data)),
		}, nil
	}

	if lastErr == nil {
		lastErr = &NoHealthyGatewaysError{}
	}
	return nil, &ManifestError{TxID: txID, Reason: lastErr.Error()}
}

// parseManifest decodes and shape-checks manifest JSON. Validity needs at
// least one path entry or an index.
func parseManifest(txID string, data []byte) (*PathManifest, error) {
	var manifest PathManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, &ManifestError{TxID: txID, Reason: "invalid JSON: " + err.Error()}
	}
	if len(manifest.Paths) == 0 && manifest.Index == nil {
		return nil, &ManifestError{TxID: txID, Reason: "manifest has neither paths nor an index"}
	}
	for path, entry := range manifest.Paths {
		if !isTxID(entry.ID) {
			return nil, &ManifestError{TxID: txID, Reason: "path " + path + " has malformed id"}
		}
	}
	if manifest.Fallback != nil && manifest.Fallback.ID != "" && !isTxID(manifest.Fallback.ID) {
		return nil, &ManifestError{TxID: txID, Reason: "fallback has malformed id"}
	}
	return &manifest, nil
}
