package wayfinder

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Response headers gateways use to describe resolved content
const (
	dataIDHeader = "x-ar-io-data-id"
	rootTxHeader = "x-ar-io-root-transaction-id"
)

// FetchEngine runs the outer fetch → verify retry loop, excluding failed
// gateways from re-selection and penalizing verification faults harder
// than availability faults.
type FetchEngine struct {
	selector  *GatewaySelector
	verifier  *Verifier
	manifests *ManifestResolver
	cache     *ContentCache
	registry  *registryClient

	verificationEnabled bool
	cacheEnabled        bool
	retryAttempts       int
	streamTimeout       time.Duration

	metrics *Metrics
	logger  *zap.Logger
}

// NewFetchEngine wires the engine
func NewFetchEngine(selector *GatewaySelector, verifier *Verifier, manifests *ManifestResolver, cache *ContentCache, registry *registryClient, verificationEnabled, cacheEnabled bool, retryAttempts int, streamTimeout time.Duration, metrics *Metrics, logger *zap.Logger) *FetchEngine {
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	return &FetchEngine{
		selector:            selector,
		verifier:            verifier,
		manifests:           manifests,
		cache:               cache,
		registry:            registry,
		verificationEnabled: verificationEnabled,
		cacheEnabled:        cacheEnabled,
		retryAttempts:       retryAttempts,
		streamTimeout:       streamTimeout,
		metrics:             metrics,
		logger:              logger,
	}
}

// Fetch retrieves and verifies the object for a content request. The
// request's TxID is already resolved (directly or via ArNS consensus);
// ArNSName only shapes the upstream URL.
func (e *FetchEngine) Fetch(ctx context.Context, req ContentRequest) (*FetchResult, error) {
	if result := e.fromCache(req); result != nil {
		return result, nil
	}

	failed := make(map[string]bool)
	var attempts []attemptError

	for attempt := 0; attempt < e.retryAttempts; attempt++ {
		gw, err := e.selector.Select(ctx, req.Path, req.ArNSName, failed)
		if err != nil {
			if len(attempts) == 0 {
				return nil, err
			}
			attempts = append(attempts, attemptError{Gateway: "selector", Err: err.Error()})
			break
		}

		result, err := e.attempt(ctx, gw, req)
		if err == nil {
			return result, nil
		}
		if terminal(err) {
			return nil, err
		}

		failed[gw.Origin] = true
		attempts = append(attempts, attemptError{Gateway: gw.Origin, Err: err.Error()})

		_, isVerification := err.(*VerificationError)
		e.selector.ReportFailure(gw.Origin, isVerification)
		if e.metrics != nil {
			e.metrics.fetchFailures.WithLabelValues(failureLabel(isVerification)).Inc()
		}
		e.logger.Warn("fetch attempt failed",
			zap.String("tx_id", req.TxID),
			zap.String("gateway", gw.Origin),
			zap.Int("attempt", attempt+1),
			zap.Bool("verification_fault", isVerification),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Distinct gateways only: once every pool member has failed this
		// request there is nothing new left to try.
		if size := e.selector.PoolSize(ctx); size > 0 && len(failed) >= size {
			break
		}
	}

	return nil, &RetriesExhaustedError{TxID: req.TxID, Attempts: attempts}
}

func failureLabel(verification bool) string {
	if verification {
		return "verification"
	}
	return "availability"
}

// terminal reports errors the retry loop must not absorb: consensus and
// manifest faults come from the trust anchors, not the serving gateway.
func terminal(err error) bool {
	switch err.(type) {
	case *ManifestError, *ManifestPathNotFound, *ConsensusError, *BlockedContent:
		return true
	}
	return false
}

// fromCache is the pre-fetch short-circuit: a direct hit on the request
// key, or a hit through a cached manifest's path mapping.
func (e *FetchEngine) fromCache(req ContentRequest) *FetchResult {
	if !e.cacheEnabled {
		return nil
	}

	if entry, ok := e.cache.Get(req.TxID, req.Path); ok {
		return cachedResult(entry, req.TxID, "")
	}
	if e.manifests == nil {
		return nil
	}
	if target, ok := e.manifests.CachedTarget(req.TxID, req.Path); ok {
		if entry, ok := e.cache.Get(target.TxID, ""); ok {
			return cachedResult(entry, target.TxID, req.TxID)
		}
	}
	return nil
}

func cachedResult(entry *CachedContent, txID, manifestTxID string) *FetchResult {
	headers := make(http.Header, len(entry.Headers))
	for k, v := range entry.Headers {
		headers.Set(k, v)
	}
	return &FetchResult{
		Data:         entry.Data,
		ContentType:  entry.ContentType,
		Headers:      headers,
		TxID:         txID,
		ManifestTxID: manifestTxID,
		Verification: &VerificationResult{Hash: entry.Hash},
		Cached:       true,
		CacheAge:     time.Since(entry.VerifiedAt),
	}
}

// attempt runs one full fetch → verify round against a single gateway
func (e *FetchEngine) attempt(ctx context.Context, gw GatewayInfo, req ContentRequest) (*FetchResult, error) {
	fetchCtx := ctx
	if e.streamTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, e.streamTimeout)
		defer cancel()
	}

	target, err := upstreamURL(gw, req)
	if err != nil {
		return nil, &GatewayError{Gateway: gw.Origin, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &GatewayError{Gateway: gw.Origin, Err: err}
	}

	start := time.Now()
	resp, err := e.registry.Do(httpReq)
	if err != nil {
		return nil, &GatewayError{Gateway: gw.Origin, Err: err}
	}
	defer func() {
		// Always drain or close so the connection returns to the pool.
		if err := resp.Body.Close(); err != nil {
			e.logger.Debug("failed to close upstream body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &GatewayError{Gateway: gw.Origin, Status: resp.StatusCode}
	}

	// A gateway that answers a subpath request with the raw manifest did
	// not resolve it; try another gateway.
	if req.Path != "" && resp.Header.Get(dataIDHeader) == "" &&
		strings.HasPrefix(resp.Header.Get("Content-Type"), manifestContentType) {
		return nil, &GatewayError{Gateway: gw.Origin, Err: fmt.Errorf("gateway served the manifest instead of resolving %q", req.Path)}
	}

	// A gateway serving through a manifest names the content object it
	// actually returned; cross-check that claim against the manifest we
	// verify ourselves.
	contentTx := req.TxID
	manifestTx := ""
	if dataID := resp.Header.Get(dataIDHeader); dataID != "" && dataID != req.TxID && e.manifests != nil {
		manifestTx = req.TxID
		if root := resp.Header.Get(rootTxHeader); root != "" {
			manifestTx = root
		}
		target, err := e.manifests.ResolvePath(ctx, manifestTx, req.Path)
		if err != nil {
			return nil, err
		}
		if target.TxID != dataID {
			return nil, &VerificationError{
				TxID:     manifestTx,
				Gateway:  gw.Origin,
				Expected: target.TxID,
				Actual:   dataID,
				Err:      fmt.Errorf("gateway served %s but the manifest maps %q to %s", dataID, req.Path, target.TxID),
			}
		}
		contentTx = target.TxID

		// The manifest mapping may point at content another request
		// already verified and cached; skip the upstream body if so.
		if e.cacheEnabled {
			if entry, ok := e.cache.Get(contentTx, ""); ok {
				return cachedResult(entry, contentTx, manifestTx), nil
			}
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{Gateway: gw.Origin, Err: fmt.Errorf("reading body: %w", err)}
	}
	latency := time.Since(start)

	var verification *VerificationResult
	if e.verificationEnabled {
		verification, err = e.verifier.VerifyBytes(ctx, data, contentTx, gw.Origin)
		if err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.metrics.verifyDuration.Observe(verification.Duration.Seconds())
		}
	}

	e.selector.ReportSuccess(gw.Origin, latency)

	contentType := resp.Header.Get("Content-Type")
	if e.cacheEnabled && verification != nil {
		key, path := contentTx, ""
		if manifestTx == "" {
			key, path = req.TxID, req.Path
		}
		if err := e.cache.Put(key, path, data, contentType, storableHeaders(resp.Header), verification.Hash); err != nil {
			e.logger.Debug("content not cached",
				zap.String("tx_id", key),
				zap.Error(err))
		}
	}

	return &FetchResult{
		Data:         data,
		ContentType:  contentType,
		Headers:      resp.Header,
		TxID:         contentTx,
		ManifestTxID: manifestTx,
		Gateway:      gw.Origin,
		Verification: verification,
	}, nil
}

// storableHeaders keeps the response headers worth replaying from cache
var replayedHeaders = []string{"Content-Type", "Content-Encoding", "Etag", "Last-Modified", "Cache-Control"}

func storableHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(replayedHeaders))
	for _, name := range replayedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

// upstreamURL shapes the gateway URL: name subdomain for ArNS, sandbox
// subdomain for txIds, and path-based addressing for gateways that have
// no subdomain-capable hostname (IPs, single labels).
func upstreamURL(gw GatewayInfo, req ContentRequest) (string, error) {
	u, err := url.Parse(gw.Origin)
	if err != nil {
		return "", fmt.Errorf("bad gateway origin %q: %w", gw.Origin, err)
	}

	subdomainCapable := strings.Contains(u.Hostname(), ".") && net.ParseIP(u.Hostname()) == nil

	switch {
	case req.ArNSName != "" && subdomainCapable:
		u.Host = req.ArNSName + "." + u.Host
		u.Path = req.Path
	case subdomainCapable:
		u.Host = sandboxFor(req.TxID) + "." + u.Host
		u.Path = "/" + req.TxID + req.Path
	default:
		// Loopback and bare-IP gateways get path-based addressing; names
		// are already resolved to a txId by this point.
		u.Path = "/" + req.TxID + req.Path
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
