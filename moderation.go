package wayfinder

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	blockTypeArNS = "arns"
	blockTypeTxID = "txid"

	blocklistVersion = 1
)

// Blocklist is the moderation store: a single-writer set of blocked names
// and txIds, persisted as a versioned JSON file with atomic writes.
// Purge hooks run before Block returns so no cached copy of newly blocked
// content survives the call.
type Blocklist struct {
	mu      sync.RWMutex
	path    string
	arns    map[string]BlocklistEntry
	txids   map[string]BlocklistEntry
	version int

	purgeTx   func(txID string)
	purgeName func(name string)

	logger *zap.Logger
}

// NewBlocklist loads (or initializes) the blocklist at path. An empty
// path keeps the list purely in memory.
func NewBlocklist(path string, logger *zap.Logger) (*Blocklist, error) {
	b := &Blocklist{
		path:    path,
		arns:    make(map[string]BlocklistEntry),
		txids:   make(map[string]BlocklistEntry),
		version: blocklistVersion,
		logger:  logger,
	}
	if path != "" {
		if err := b.load(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// SetPurgeHooks wires the cache and resolver invalidation callbacks
func (b *Blocklist) SetPurgeHooks(purgeTx func(string), purgeName func(string)) {
	b.purgeTx = purgeTx
	b.purgeName = purgeName
}

// IsBlockedName reports whether an ArNS name is blocked
func (b *Blocklist) IsBlockedName(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.arns[strings.ToLower(name)]
	return ok
}

// IsBlockedTx reports whether a txId is blocked
func (b *Blocklist) IsBlockedTx(txID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.txids[txID]
	return ok
}

// Entries returns a snapshot of all entries
func (b *Blocklist) Entries() []BlocklistEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := make([]BlocklistEntry, 0, len(b.arns)+len(b.txids))
	for _, e := range b.arns {
		entries = append(entries, e)
	}
	for _, e := range b.txids {
		entries = append(entries, e)
	}
	return entries
}

// Block adds an entry, persists the file, and purges affected caches
// before returning.
func (b *Blocklist) Block(entry BlocklistEntry) error {
	entry.Type = strings.ToLower(entry.Type)
	entry.BlockedAt = time.Now()

	switch entry.Type {
	case blockTypeArNS:
		entry.Value = strings.ToLower(entry.Value)
		if !isArNSLabel(entry.Value) {
			return fmt.Errorf("%q is not a valid ArNS name", entry.Value)
		}
	case blockTypeTxID:
		if !isTxID(entry.Value) {
			return fmt.Errorf("%q is not a valid txId", entry.Value)
		}
	default:
		return fmt.Errorf("unknown blocklist entry type %q", entry.Type)
	}

	b.mu.Lock()
	switch entry.Type {
	case blockTypeArNS:
		b.arns[entry.Value] = entry
	case blockTypeTxID:
		b.txids[entry.Value] = entry
	}
	err := b.saveLocked()
	b.mu.Unlock()
	if err != nil {
		return err
	}

	// Purge caches so a blocked object cannot be served from a prior fetch.
	switch entry.Type {
	case blockTypeArNS:
		if b.purgeName != nil {
			b.purgeName(entry.Value)
		}
		if entry.ResolvedTxID != "" && b.purgeTx != nil {
			b.purgeTx(entry.ResolvedTxID)
		}
	case blockTypeTxID:
		if b.purgeTx != nil {
			b.purgeTx(entry.Value)
		}
	}

	b.logger.Info("content blocked",
		zap.String("type", entry.Type),
		zap.String("value", entry.Value),
		zap.String("reason", entry.Reason))
	return nil
}

// Unblock removes an entry and persists the file
func (b *Blocklist) Unblock(entryType, value string) (bool, error) {
	entryType = strings.ToLower(entryType)
	if entryType == blockTypeArNS {
		value = strings.ToLower(value)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var found bool
	switch entryType {
	case blockTypeArNS:
		_, found = b.arns[value]
		delete(b.arns, value)
	case blockTypeTxID:
		_, found = b.txids[value]
		delete(b.txids, value)
	default:
		return false, fmt.Errorf("unknown blocklist entry type %q", entryType)
	}
	if !found {
		return false, nil
	}
	return true, b.saveLocked()
}

func (b *Blocklist) load() error {
	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading blocklist: %w", err)
	}

	var file blocklistFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decoding blocklist: %w", err)
	}
	for _, entry := range file.Entries {
		switch entry.Type {
		case blockTypeArNS:
			b.arns[strings.ToLower(entry.Value)] = entry
		case blockTypeTxID:
			b.txids[entry.Value] = entry
		}
	}
	b.logger.Info("blocklist loaded",
		zap.String("path", b.path),
		zap.Int("entries", len(file.Entries)))
	return nil
}

// saveLocked persists the file atomically via tmp+rename
func (b *Blocklist) saveLocked() error {
	if b.path == "" {
		return nil
	}

	entries := make([]BlocklistEntry, 0, len(b.arns)+len(b.txids))
	for _, e := range b.arns {
		entries = append(entries, e)
	}
	for _, e := range b.txids {
		entries = append(entries, e)
	}

	raw, err := json.MarshalIndent(blocklistFile{
		Version:   b.version,
		UpdatedAt: time.Now(),
		Entries:   entries,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding blocklist: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("creating blocklist directory: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing blocklist: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("renaming blocklist: %w", err)
	}
	return nil
}

// moderationRequest is the admin endpoint payload
type moderationRequest struct {
	Type         string `json:"type"`
	Value        string `json:"value"`
	Reason       string `json:"reason,omitempty"`
	BlockedBy    string `json:"blocked_by,omitempty"`
	ResolvedTxID string `json:"resolved_tx_id,omitempty"`
}

// serveModeration handles the bearer-auth admin surface under
// /wayfinder/moderation/.
func (wf *Wayfinder) serveModeration(w http.ResponseWriter, r *http.Request) {
	if !wf.moderationEnabled || wf.blocklist == nil {
		http.NotFound(w, r)
		return
	}
	if !wf.authorizeAdmin(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"version": blocklistVersion,
			"entries": wf.blocklist.Entries(),
		})

	case r.Method == http.MethodPost:
		var req moderationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		entry := BlocklistEntry{
			Type:         req.Type,
			Value:        req.Value,
			Reason:       req.Reason,
			BlockedBy:    req.BlockedBy,
			ResolvedTxID: req.ResolvedTxID,
		}
		if err := wf.blocklist.Block(entry); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(entry)

	case r.Method == http.MethodDelete:
		var req moderationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		removed, err := wf.blocklist.Unblock(req.Type, req.Value)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !removed {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// authorizeAdmin checks the bearer token on moderation requests
func (wf *Wayfinder) authorizeAdmin(r *http.Request) bool {
	if wf.adminToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == wf.adminToken
}
