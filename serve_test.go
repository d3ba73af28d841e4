package wayfinder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
)

// newTestWayfinder assembles a provisioned-equivalent module over the
// given test gateways, base domain example.com.
func newTestWayfinder(t *testing.T, gateways ...*testGateway) *Wayfinder {
	t.Helper()

	origins := make([]string, len(gateways))
	for i, gw := range gateways {
		origins[i] = gw.URL
	}

	logger := testLogger()
	client := testClient("")
	pool := staticPool(origins...)
	health := newTestRegistry(100, 3, time.Minute, time.Minute)
	temps := NewTemperatureStore(time.Minute, 100)
	selector := NewGatewaySelector(pool, health, temps, &roundRobinStrategy{}, 1, time.Millisecond, nil, logger)

	threshold := 2
	if len(gateways) < 2 {
		threshold = 1
	}
	verifier := NewVerifier(newDigestQuorum(pool, client, len(gateways), threshold, logger), logger)
	manifests := NewManifestResolver(pool, client, verifier, len(gateways), logger)
	cache, err := NewContentCache(1<<20, 0, "", nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	engine := NewFetchEngine(selector, verifier, manifests, cache, client,
		true, true, 3, 5*time.Second, nil, logger)

	blocklist, err := NewBlocklist("", logger)
	if err != nil {
		t.Fatal(err)
	}

	wf := &Wayfinder{
		Server:              ServerConfig{BaseDomain: "example.com"},
		classifier:          NewClassifier("example.com", false, blocklist),
		registry:            client,
		pool:                pool,
		health:              health,
		temps:               temps,
		selector:            selector,
		resolver:            NewNameResolver(pool, client, len(gateways), threshold, 2*time.Second, time.Minute, nil, logger),
		verifier:            verifier,
		manifests:           manifests,
		content:             cache,
		engine:              engine,
		blocklist:           blocklist,
		telemetry:           NewTelemetryStore(logger),
		apiCache:            newAPIResponseCache(),
		tracker:             newRequestTracker(),
		tasks:               newTaskGroup(logger),
		metrics:             NewMetrics(),
		logger:              logger,
		defaultMode:         ModeProxy,
		allowOverride:       true,
		verificationEnabled: true,
		cacheEnabled:        true,
		moderationEnabled:   true,
		adminToken:          "secret",
		drainTimeout:        time.Second,
		shutdownTimeout:     time.Second,
	}
	t.Cleanup(func() { wf.tasks.Stop(time.Second) })
	return wf
}

var nextTeapot = caddyhttp.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusTeapot)
	return nil
})

func doRequest(t *testing.T, wf *Wayfinder, method, url string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, url, nil)
	for name, values := range header {
		for _, v := range values {
			r.Header.Add(name, v)
		}
	}
	w := httptest.NewRecorder()
	if err := wf.ServeHTTP(w, r, nextTeapot); err != nil {
		t.Fatalf("ServeHTTP returned error: %v", err)
	}
	return w
}

func TestServe_ApexTxIDRedirectsToSandbox(t *testing.T) {
	gw := newTestGateway(t)
	var upstreamHits atomic.Int64
	gw.hits = func(*http.Request) { upstreamHits.Add(1) }
	wf := newTestWayfinder(t, gw)

	tx := makeTxID(1)
	w := doRequest(t, wf, http.MethodGet, "https://example.com/"+tx+"/foo?x=1", nil)

	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	want := "https://" + sandboxFor(tx) + ".example.com/" + tx + "/foo?x=1"
	if got := w.Header().Get("Location"); got != want {
		t.Errorf("expected Location %s, got %s", want, got)
	}
	if upstreamHits.Load() != 0 {
		t.Error("a redirect must not touch any gateway")
	}
}

func TestServe_SandboxContentWithProvenance(t *testing.T) {
	gw := newTestGateway(t)
	wf := newTestWayfinder(t, gw)

	tx := makeTxID(1)
	body := []byte("sandboxed bytes")
	gw.serveVerified(tx, body)

	url := "https://" + sandboxFor(tx) + ".example.com/" + tx
	w := doRequest(t, wf, http.MethodGet, url, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if w.Body.String() != string(body) {
		t.Error("body mismatch")
	}
	h := w.Header()
	if h.Get(headerVerified) != "true" {
		t.Errorf("expected verified header, got %q", h.Get(headerVerified))
	}
	if h.Get(headerCached) != "false" {
		t.Errorf("expected cached=false on first fetch, got %q", h.Get(headerCached))
	}
	if h.Get(headerRoutedVia) != gw.URL {
		t.Errorf("expected routed-via %s, got %s", gw.URL, h.Get(headerRoutedVia))
	}
	if h.Get(headerTxID) != tx {
		t.Errorf("expected tx-id header, got %q", h.Get(headerTxID))
	}
	if h.Get(headerVerifyTime) == "" {
		t.Error("expected verification-time header")
	}

	// Second request: served from cache with the immutable cache policy.
	w = doRequest(t, wf, http.MethodGet, url, nil)
	if w.Header().Get(headerCached) != "true" {
		t.Error("expected cache hit on second request")
	}
	if w.Header().Get(headerRoutedVia) != "cache" {
		t.Errorf("expected routed-via cache, got %s", w.Header().Get(headerRoutedVia))
	}
	if cc := w.Header().Get("Cache-Control"); cc != immutableCacheControl {
		t.Errorf("expected immutable cache-control, got %q", cc)
	}
	if w.Header().Get(headerCacheAge) == "" {
		t.Error("expected cache-age header")
	}
}

func TestServe_SandboxMismatchRejectedWithoutFetch(t *testing.T) {
	gw := newTestGateway(t)
	var upstreamHits atomic.Int64
	gw.hits = func(*http.Request) { upstreamHits.Add(1) }
	wf := newTestWayfinder(t, gw)

	url := "https://" + sandboxFor(makeTxID(1)) + ".example.com/" + makeTxID(2)
	w := doRequest(t, wf, http.MethodGet, url, nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body: %v", err)
	}
	if body.Code != "sandbox_mismatch" {
		t.Errorf("expected sandbox_mismatch code, got %q", body.Code)
	}
	if upstreamHits.Load() != 0 {
		t.Error("a sandbox mismatch must not reach any gateway")
	}
}

func TestServe_ArNSHealthyFetch(t *testing.T) {
	g1 := newTestGateway(t)
	g2 := newTestGateway(t)
	wf := newTestWayfinder(t, g1, g2)

	tx := makeTxID(1)
	body := []byte("<html>site</html>")
	for _, gw := range []*testGateway{g1, g2} {
		gw.serveVerified(tx, body)
		gw.records["x"] = arnsRecord{TxID: tx, TTLSeconds: 300}
	}

	w := doRequest(t, wf, http.MethodGet, "https://x.example.com/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if w.Body.String() != string(body) {
		t.Error("body mismatch")
	}
	if w.Header().Get(headerTxID) != tx {
		t.Errorf("expected resolved tx-id %s, got %q", tx, w.Header().Get(headerTxID))
	}
	if w.Header().Get(headerVerified) != "true" {
		t.Error("expected verified content")
	}
}

func TestServe_ConsensusFailure(t *testing.T) {
	g1 := newTestGateway(t)
	g2 := newTestGateway(t)
	wf := newTestWayfinder(t, g1, g2)

	// The anchors disagree; threshold 2 cannot be met.
	g1.records["x"] = arnsRecord{TxID: makeTxID(1), TTLSeconds: 60}
	g2.records["x"] = arnsRecord{TxID: makeTxID(2), TTLSeconds: 60}

	var contentFetches atomic.Int64
	observer := func(r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ar-io/") {
			contentFetches.Add(1)
		}
	}
	g1.hits = observer
	g2.hits = observer

	w := doRequest(t, wf, http.MethodGet, "https://x.example.com/", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	var body errorBody
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Error != "consensus_error" {
		t.Errorf("expected consensus_error, got %+v", body)
	}
	if contentFetches.Load() != 0 {
		t.Error("no content may be fetched without consensus")
	}
}

func TestServe_ManifestFallback(t *testing.T) {
	gw := newTestGateway(t)
	wf := newTestWayfinder(t, gw)

	manifestTx := makeTxID(9)
	indexTx := makeTxID(1)
	fallbackTx := makeTxID(2)
	fallbackBody := []byte("fallback page")

	manifest := testManifestJSON(t, PathManifest{
		Manifest: "arweave/paths",
		Index:    &ManifestIndex{Path: "index.html"},
		Fallback: &ManifestEntry{ID: fallbackTx},
		Paths:    map[string]ManifestEntry{"index.html": {ID: indexTx}},
	})
	gw.serveVerified(manifestTx, manifest)
	gw.serveVerified(fallbackTx, fallbackBody)
	gw.serveVerified(indexTx, []byte("index page"))

	// The gateway resolves /missing.css to the fallback and says so.
	h := http.Header{}
	h.Set(dataIDHeader, fallbackTx)
	h.Set(rootTxHeader, manifestTx)
	gw.headers[manifestTx] = h
	gw.objects[manifestTx] = fallbackBody

	url := "https://" + sandboxFor(manifestTx) + ".example.com/" + manifestTx + "/missing.css"
	w := doRequest(t, wf, http.MethodGet, url, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if w.Body.String() != string(fallbackBody) {
		t.Error("expected the fallback object's bytes")
	}
	if w.Header().Get(headerTxID) != fallbackTx {
		t.Errorf("expected tx-id %s, got %q", fallbackTx, w.Header().Get(headerTxID))
	}
	if w.Header().Get(headerManifestTxID) != manifestTx {
		t.Errorf("expected manifest-tx-id %s, got %q", manifestTx, w.Header().Get(headerManifestTxID))
	}
}

func TestServe_BlockedContentForbidden(t *testing.T) {
	gw := newTestGateway(t)
	wf := newTestWayfinder(t, gw)

	if err := wf.blocklist.Block(BlocklistEntry{Type: "arns", Value: "badsite"}); err != nil {
		t.Fatal(err)
	}

	w := doRequest(t, wf, http.MethodGet, "https://badsite.example.com/", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestServe_RouteModeRedirectsToGateway(t *testing.T) {
	gw := newTestGateway(t)
	wf := newTestWayfinder(t, gw)

	tx := makeTxID(1)
	header := http.Header{}
	header.Set(headerModeOverride, "route")

	url := "https://" + sandboxFor(tx) + ".example.com/" + tx + "/app.js"
	w := doRequest(t, wf, http.MethodGet, url, header)

	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	location := w.Header().Get("Location")
	if !strings.HasPrefix(location, gw.URL) {
		t.Errorf("expected redirect into the gateway, got %s", location)
	}
	if !strings.Contains(location, tx) {
		t.Errorf("expected txId in redirect target, got %s", location)
	}
	if w.Header().Get(headerRoutedVia) != gw.URL {
		t.Error("expected routed-via header on route responses")
	}
}

func TestServe_DrainingReturns503(t *testing.T) {
	gw := newTestGateway(t)
	wf := newTestWayfinder(t, gw)

	wf.tracker.Drain(10 * time.Millisecond)

	w := doRequest(t, wf, http.MethodGet, "https://example.com/wayfinder/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", w.Code)
	}
}

func TestServe_HealthAndReadyProbes(t *testing.T) {
	gw := newTestGateway(t)
	wf := newTestWayfinder(t, gw)

	w := doRequest(t, wf, http.MethodGet, "https://example.com/wayfinder/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected healthy 200, got %d", w.Code)
	}

	w = doRequest(t, wf, http.MethodGet, "https://example.com/wayfinder/ready", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected ready 200 with a loaded pool, got %d", w.Code)
	}
}

func TestServe_ForeignHostFallsThrough(t *testing.T) {
	gw := newTestGateway(t)
	wf := newTestWayfinder(t, gw)

	w := doRequest(t, wf, http.MethodGet, "https://elsewhere.test/whatever", nil)
	if w.Code != http.StatusTeapot {
		t.Fatalf("expected passthrough to next handler, got %d", w.Code)
	}
}

func TestServe_ModerationEndpointsAuth(t *testing.T) {
	gw := newTestGateway(t)
	wf := newTestWayfinder(t, gw)

	w := doRequest(t, wf, http.MethodGet, "https://example.com/wayfinder/moderation/blocklist", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	w = doRequest(t, wf, http.MethodGet, "https://example.com/wayfinder/moderation/blocklist", header)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}
}
