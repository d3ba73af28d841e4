package wayfinder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Provenance headers stamped on every served response
const (
	headerCached       = "x-wayfinder-cached"
	headerVerified     = "x-wayfinder-verified"
	headerRoutedVia    = "x-wayfinder-routed-via"
	headerVerifiedBy   = "x-wayfinder-verified-by"
	headerTxID         = "x-wayfinder-tx-id"
	headerManifestTxID = "x-wayfinder-manifest-tx-id"
	headerVerifyTime   = "x-wayfinder-verification-time-ms"
	headerCacheAge     = "x-wayfinder-cache-age"
	headerModeOverride = "x-wayfinder-mode"
)

const immutableCacheControl = "public, max-age=31536000, immutable"

// ServeHTTP implements caddyhttp.MiddlewareHandler
func (wf *Wayfinder) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	if !wf.tracker.Begin() {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return nil
	}
	defer wf.tracker.End()

	wf.metrics.inFlight.Inc()
	defer wf.metrics.inFlight.Dec()

	info := wf.classifier.Classify(r.Host, r.URL.Path)
	start := time.Now()

	switch info.Kind {
	case RequestReserved:
		return wf.serveReserved(w, r, info, next)

	case RequestAPI:
		wf.countRequest("api", "ok")
		wf.serveAPI(w, r, info)
		return nil

	case RequestPassthrough:
		return next.ServeHTTP(w, r)

	case RequestBlocked:
		wf.countRequest("blocked", info.BlockReason)
		wf.serveBlocked(w, info)
		return nil

	case RequestRedirect:
		wf.countRequest("redirect", "ok")
		target := fmt.Sprintf("https://%s.%s/%s%s", info.RedirectTo, wf.Server.BaseDomain, info.TxID, info.Path)
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusFound)
		return nil

	case RequestArNS:
		err := wf.serveArNS(w, r, info)
		wf.observeRequest("arns", start, err)
		return nil

	case RequestTxID:
		err := wf.serveContent(w, r, ContentRequest{TxID: info.TxID, Path: info.Path})
		wf.observeRequest("txid", start, err)
		return nil

	default:
		return next.ServeHTTP(w, r)
	}
}

func (wf *Wayfinder) countRequest(kind, outcome string) {
	wf.metrics.requests.WithLabelValues(kind, outcome).Inc()
}

func (wf *Wayfinder) observeRequest(kind string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		_, outcome, _ = statusForError(err)
	}
	wf.countRequest(kind, outcome)
	wf.metrics.requestDuration.WithLabelValues(string(wf.defaultMode)).Observe(time.Since(start).Seconds())
}

// serveReserved dispatches /wayfinder/ endpoints and the apex host
func (wf *Wayfinder) serveReserved(w http.ResponseWriter, r *http.Request, info RequestInfo, next caddyhttp.Handler) error {
	switch {
	case info.Path == reservedPrefix+"health":
		wf.serveHealth(w)
		return nil
	case info.Path == reservedPrefix+"ready":
		wf.serveReady(w)
		return nil
	case info.Path == reservedPrefix+"metrics":
		if wf.promRegistry != nil {
			promhttp.HandlerFor(wf.promRegistry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		} else {
			promhttp.Handler().ServeHTTP(w, r)
		}
		return nil
	case strings.HasPrefix(info.Path, reservedPrefix+"stats/"):
		wf.serveStats(w, r)
		return nil
	case strings.HasPrefix(info.Path, reservedPrefix+"moderation"):
		wf.serveModeration(w, r)
		return nil
	case strings.HasPrefix(info.Path, reservedPrefix):
		http.NotFound(w, r)
		return nil
	}

	// Apex host without a txId path: serve the configured root content,
	// or hand the request to the next handler.
	if wf.Server.RootHostContent != "" {
		root := wf.Server.RootHostContent
		if isTxID(root) {
			_ = wf.serveContent(w, r, ContentRequest{TxID: root, Path: info.Path})
			return nil
		}
		_ = wf.serveArNS(w, r, RequestInfo{Kind: RequestArNS, ArNSName: root, Path: info.Path})
		return nil
	}
	return next.ServeHTTP(w, r)
}

// serveHealth is the liveness probe
func (wf *Wayfinder) serveHealth(w http.ResponseWriter) {
	gatewayCount := 0
	if gateways, err := wf.pool.AllGateways(context.Background()); err == nil {
		gatewayCount = len(gateways)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     "ok",
		"timestamp":  time.Now().UTC(),
		"gateways":   gatewayCount,
		"fallback":   wf.pool.IsFallback(),
		"in_flight":  wf.tracker.InFlight(),
		"cache_size": wf.content.Size(),
	})
}

// serveReady is the readiness probe: 503 until a pool is loaded, and
// again once draining begins.
func (wf *Wayfinder) serveReady(w http.ResponseWriter) {
	ready := wf.pool.Ready() && !wf.tracker.Draining()
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":    ready,
		"draining": wf.tracker.Draining(),
	})
}

func (wf *Wayfinder) serveBlocked(w http.ResponseWriter, info RequestInfo) {
	switch info.BlockReason {
	case "content_moderated":
		writeError(w, &BlockedContent{Type: blockTypeFor(info), Value: info.TxID + info.ArNSName})
	case "restriction_mode":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(errorBody{Error: "not_found", Message: "request outside the allowed root host"})
	default:
		writeError(w, &ClassificationError{Reason: info.BlockReason})
	}
}

func blockTypeFor(info RequestInfo) string {
	if info.ArNSName != "" {
		return blockTypeArNS
	}
	return blockTypeTxID
}

// serveArNS resolves the name by consensus, re-checks moderation against
// the resolved txId, and serves the content.
func (wf *Wayfinder) serveArNS(w http.ResponseWriter, r *http.Request, info RequestInfo) error {
	resolved, err := wf.resolver.Resolve(r.Context(), info.ArNSName)
	if err != nil {
		wf.logger.Warn("name resolution failed",
			zap.String("name", info.ArNSName),
			zap.Error(err))
		writeError(w, err)
		return err
	}

	if wf.blocklist != nil && wf.blocklist.IsBlockedTx(resolved.TxID) {
		err := &BlockedContent{Type: blockTypeTxID, Value: resolved.TxID}
		writeError(w, err)
		return err
	}

	return wf.serveContent(w, r, ContentRequest{
		TxID:     resolved.TxID,
		ArNSName: info.ArNSName,
		Path:     info.Path,
	})
}

// serveMode resolves the effective mode for one request
func (wf *Wayfinder) serveMode(r *http.Request) ServeMode {
	if wf.allowOverride {
		switch ServeMode(strings.ToLower(r.Header.Get(headerModeOverride))) {
		case ModeProxy:
			return ModeProxy
		case ModeRoute:
			return ModeRoute
		}
	}
	return wf.defaultMode
}

// serveContent delivers a content object in the effective mode
func (wf *Wayfinder) serveContent(w http.ResponseWriter, r *http.Request, req ContentRequest) error {
	if wf.serveMode(r) == ModeRoute {
		return wf.serveRoute(w, r, req)
	}

	result, err := wf.engine.Fetch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return err
	}

	if result.Cached {
		wf.telemetry.Record("cache", true, false, 0)
	} else {
		wf.telemetry.Record(result.Gateway, result.Verification != nil, false, 0)
	}

	wf.writeProvenance(w, result)

	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	for _, h := range replayedHeaders {
		if h == "Content-Type" || h == "Cache-Control" {
			continue
		}
		if v := result.Headers.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	if result.Cached && w.Header().Get("Cache-Control") == "" {
		if cc := result.Headers.Get("Cache-Control"); cc != "" {
			w.Header().Set("Cache-Control", cc)
		} else {
			w.Header().Set("Cache-Control", immutableCacheControl)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Data); err != nil {
		wf.logger.Debug("client write failed", zap.Error(err))
	}
	return nil
}

// serveRoute answers with a redirect to a selected gateway instead of
// proxying the body. Consensus and moderation checks already ran; only
// the proxy step is skipped.
func (wf *Wayfinder) serveRoute(w http.ResponseWriter, r *http.Request, req ContentRequest) error {
	gw, err := wf.selector.Select(r.Context(), req.Path, req.ArNSName, nil)
	if err != nil {
		writeError(w, err)
		return err
	}

	target, err := upstreamURL(gw, req)
	if err != nil {
		gwErr := &GatewayError{Gateway: gw.Origin, Err: err}
		writeError(w, gwErr)
		return gwErr
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	w.Header().Set(headerRoutedVia, gw.Origin)
	w.Header().Set(headerVerified, "false")
	w.Header().Set(headerTxID, req.TxID)
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

// writeProvenance stamps the provenance headers for a fetch result
func (wf *Wayfinder) writeProvenance(w http.ResponseWriter, result *FetchResult) {
	h := w.Header()
	h.Set(headerCached, strconv.FormatBool(result.Cached))
	h.Set(headerVerified, strconv.FormatBool(result.Verification != nil && result.Verification.Hash != ""))
	h.Set(headerTxID, result.TxID)
	if result.Cached {
		h.Set(headerRoutedVia, "cache")
		h.Set(headerCacheAge, strconv.FormatInt(int64(result.CacheAge.Seconds()), 10))
	} else {
		h.Set(headerRoutedVia, result.Gateway)
	}
	if result.ManifestTxID != "" {
		h.Set(headerManifestTxID, result.ManifestTxID)
	}
	if result.Verification != nil {
		if len(result.Verification.VerifiedBy) > 0 {
			h.Set(headerVerifiedBy, strings.Join(result.Verification.VerifiedBy, ","))
		}
		if !result.Cached {
			h.Set(headerVerifyTime, strconv.FormatInt(result.Verification.Duration.Milliseconds(), 10))
		}
	}
}
