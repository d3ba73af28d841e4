package wayfinder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ContentCache stores verified objects keyed by "txId:path". With a disk
// directory it keeps only index entries in memory and the bytes in blob
// files; otherwise entries carry their bytes inline.
type ContentCache struct {
	mu          sync.Mutex
	entries     map[string]*CachedContent
	currentSize int64

	maxSize     int64
	maxItemSize int64
	dir         string

	metrics *Metrics
	logger  *zap.Logger
}

// cacheMeta is the sidecar written next to each blob
type cacheMeta struct {
	Key string `json:"key"`
	CachedContent
}

// NewContentCache creates the cache and, in disk mode, restores surviving
// entries from the directory.
func NewContentCache(maxSize, maxItemSize int64, dir string, metrics *Metrics, logger *zap.Logger) (*ContentCache, error) {
	c := &ContentCache{
		entries:     make(map[string]*CachedContent),
		maxSize:     maxSize,
		maxItemSize: maxItemSize,
		dir:         dir,
		metrics:     metrics,
		logger:      logger,
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
		if err := c.restore(); err != nil {
			return nil, fmt.Errorf("restoring cache: %w", err)
		}
	}
	return c, nil
}

func cacheKey(txID, path string) string {
	return txID + ":" + path
}

func (c *ContentCache) blobPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".bin")
}

func (c *ContentCache) metaPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".meta.json")
}

// Get returns a copy of the entry with Data populated, bumping its access
// stats. A disk entry whose blob has gone missing is dropped as a miss.
func (c *ContentCache) Get(txID, path string) (*CachedContent, bool) {
	key := cacheKey(txID, path)

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.cacheMisses.Inc()
		}
		return nil, false
	}
	entry.AccessCount++
	entry.LastAccessed = time.Now()
	out := *entry
	c.mu.Unlock()

	if c.dir != "" {
		data, err := os.ReadFile(c.blobPath(key))
		if err != nil {
			c.logger.Warn("cache blob missing, dropping entry",
				zap.String("key", key),
				zap.Error(err))
			c.Invalidate(txID, path)
			if c.metrics != nil {
				c.metrics.cacheMisses.Inc()
			}
			return nil, false
		}
		out.Data = data
	}

	if c.metrics != nil {
		c.metrics.cacheHits.Inc()
	}
	return &out, true
}

// Contains reports whether an entry exists without touching access stats
func (c *ContentCache) Contains(txID, path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[cacheKey(txID, path)]
	return ok
}

// Put stores a verified object. Oversized objects are rejected; existing
// entries are evicted by ascending score until the object fits.
func (c *ContentCache) Put(txID, path string, data []byte, contentType string, headers map[string]string, hash string) error {
	size := int64(len(data))
	if size > c.maxSize {
		return fmt.Errorf("object of %d bytes exceeds cache size %d", size, c.maxSize)
	}
	if c.maxItemSize > 0 && size > c.maxItemSize {
		return fmt.Errorf("object of %d bytes exceeds item limit %d", size, c.maxItemSize)
	}

	key := cacheKey(txID, path)
	now := time.Now()
	entry := &CachedContent{
		ContentType:   contentType,
		ContentLength: size,
		Headers:       headers,
		VerifiedAt:    now,
		TxID:          txID,
		Hash:          hash,
		AccessCount:   0,
		LastAccessed:  now,
	}
	if c.dir == "" {
		entry.Data = data
	}

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.currentSize -= old.ContentLength
	}
	evicted := c.evictForLocked(size)
	c.entries[key] = entry
	c.currentSize += size
	c.mu.Unlock()

	for _, evictedKey := range evicted {
		c.removeFiles(evictedKey)
	}
	if c.metrics != nil {
		c.metrics.cacheEvictions.Add(float64(len(evicted)))
		c.metrics.cacheSize.Set(float64(c.Size()))
		c.metrics.cacheEntries.Set(float64(c.Len()))
	}

	if c.dir != "" {
		if err := c.writeFiles(key, entry, data); err != nil {
			c.Invalidate(txID, path)
			return err
		}
	}
	return nil
}

// Invalidate removes one (txId, path) entry
func (c *ContentCache) Invalidate(txID, path string) {
	key := cacheKey(txID, path)

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		c.currentSize -= entry.ContentLength
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if ok {
		c.removeFiles(key)
	}
}

// InvalidateTx removes every path cached for a txId
func (c *ContentCache) InvalidateTx(txID string) {
	prefix := txID + ":"

	c.mu.Lock()
	var removed []string
	for key, entry := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.currentSize -= entry.ContentLength
			delete(c.entries, key)
			removed = append(removed, key)
		}
	}
	c.mu.Unlock()

	for _, key := range removed {
		c.removeFiles(key)
	}
}

// Size returns the tracked byte total
func (c *ContentCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Len returns the number of entries
func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictionScore weighs popularity up, staleness down, and size down.
// The minimum-score entry is the next eviction victim.
func evictionScore(entry *CachedContent, now time.Time) float64 {
	ageMinutes := now.Sub(entry.LastAccessed).Minutes()
	sizeMB := float64(entry.ContentLength) / (1 << 20)
	return 10*math.Log2(float64(entry.AccessCount)+1) + 100/(ageMinutes+1) - 0.5*sizeMB
}

// evictForLocked frees room for an incoming object, returning evicted keys
func (c *ContentCache) evictForLocked(incoming int64) []string {
	var evicted []string
	now := time.Now()
	for c.currentSize+incoming > c.maxSize && len(c.entries) > 0 {
		victimKey := ""
		victimScore := math.Inf(1)
		for key, entry := range c.entries {
			if score := evictionScore(entry, now); score < victimScore {
				victimScore = score
				victimKey = key
			}
		}
		entry := c.entries[victimKey]
		c.currentSize -= entry.ContentLength
		delete(c.entries, victimKey)
		evicted = append(evicted, victimKey)
		c.logger.Debug("evicted cache entry",
			zap.String("key", victimKey),
			zap.Float64("score", victimScore),
			zap.Int64("size", entry.ContentLength))
	}
	return evicted
}

// writeFiles persists one entry atomically: meta first, then data, each
// via tmp+rename, so a crash leaves at worst an orphan meta for restore
// to clean up.
func (c *ContentCache) writeFiles(key string, entry *CachedContent, data []byte) error {
	metaPath := c.metaPath(key)
	blobPath := c.blobPath(key)

	meta, err := json.Marshal(cacheMeta{Key: key, CachedContent: *entry})
	if err != nil {
		return fmt.Errorf("encoding cache meta: %w", err)
	}

	metaTmp := metaPath + ".tmp"
	if err := os.WriteFile(metaTmp, meta, 0o644); err != nil {
		return fmt.Errorf("writing cache meta: %w", err)
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		return fmt.Errorf("renaming cache meta: %w", err)
	}

	blobTmp := blobPath + ".tmp"
	if err := os.WriteFile(blobTmp, data, 0o644); err != nil {
		return fmt.Errorf("writing cache blob: %w", err)
	}
	if err := os.Rename(blobTmp, blobPath); err != nil {
		return fmt.Errorf("renaming cache blob: %w", err)
	}
	return nil
}

func (c *ContentCache) removeFiles(key string) {
	if c.dir == "" {
		return
	}
	for _, p := range []string{c.blobPath(key), c.metaPath(key)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove cache file",
				zap.String("path", p),
				zap.Error(err))
		}
	}
}

// restore scans the cache directory, re-inserting meta/blob pairs that
// still fit and deleting orphans and leftover tmp files.
func (c *ContentCache) restore() error {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	restored, cleaned := 0, 0
	for _, de := range dirEntries {
		name := de.Name()
		switch {
		case strings.HasSuffix(name, ".tmp"):
			_ = os.Remove(filepath.Join(c.dir, name))
			cleaned++
		case strings.HasSuffix(name, ".meta.json"):
			metaPath := filepath.Join(c.dir, name)
			blobPath := filepath.Join(c.dir, strings.TrimSuffix(name, ".meta.json")+".bin")

			raw, err := os.ReadFile(metaPath)
			if err != nil {
				continue
			}
			var meta cacheMeta
			if err := json.Unmarshal(raw, &meta); err != nil || meta.Key == "" {
				_ = os.Remove(metaPath)
				cleaned++
				continue
			}
			blobInfo, err := os.Stat(blobPath)
			if err != nil || blobInfo.Size() != meta.ContentLength {
				// Orphan meta or truncated blob from an interrupted write.
				_ = os.Remove(metaPath)
				_ = os.Remove(blobPath)
				cleaned++
				continue
			}
			if c.currentSize+meta.ContentLength > c.maxSize {
				_ = os.Remove(metaPath)
				_ = os.Remove(blobPath)
				cleaned++
				continue
			}
			entry := meta.CachedContent
			entry.Data = nil
			c.entries[meta.Key] = &entry
			c.currentSize += entry.ContentLength
			restored++
		case strings.HasSuffix(name, ".bin"):
			metaPath := filepath.Join(c.dir, strings.TrimSuffix(name, ".bin")+".meta.json")
			if _, err := os.Stat(metaPath); os.IsNotExist(err) {
				_ = os.Remove(filepath.Join(c.dir, name))
				cleaned++
			}
		}
	}

	c.logger.Info("content cache restored",
		zap.Int("entries", restored),
		zap.Int("cleaned", cleaned),
		zap.Int64("bytes", c.currentSize))
	return nil
}
