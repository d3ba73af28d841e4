package wayfinder

import (
	"context"
	"net/http"
	"testing"
	"time"
)

// fetchFixture wires a full engine over test gateways. The same gateways
// serve as routing pool and trust anchors.
type fetchFixture struct {
	engine   *FetchEngine
	selector *GatewaySelector
	health   *HealthRegistry
	cache    *ContentCache
	gateways []*testGateway
}

func newFetchFixture(t *testing.T, retryAttempts int, gatewayCount int) *fetchFixture {
	t.Helper()

	gateways := make([]*testGateway, gatewayCount)
	origins := make([]string, gatewayCount)
	for i := range gateways {
		gateways[i] = newTestGateway(t)
		origins[i] = gateways[i].URL
	}

	pool := staticPool(origins...)
	client := testClient("")
	health := newTestRegistry(100, 3, time.Minute, time.Minute)
	temps := NewTemperatureStore(time.Minute, 100)
	selector := NewGatewaySelector(pool, health, temps, &roundRobinStrategy{}, 1, time.Millisecond, nil, testLogger())

	threshold := 2
	if gatewayCount < 2 {
		threshold = 1
	}
	verifier := NewVerifier(newDigestQuorum(pool, client, gatewayCount, threshold, testLogger()), testLogger())
	manifests := NewManifestResolver(pool, client, verifier, gatewayCount, testLogger())

	cache, err := NewContentCache(1<<20, 0, "", nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	engine := NewFetchEngine(selector, verifier, manifests, cache, client,
		true, true, retryAttempts, 5*time.Second, nil, testLogger())
	return &fetchFixture{
		engine:   engine,
		selector: selector,
		health:   health,
		cache:    cache,
		gateways: gateways,
	}
}

func (f *fetchFixture) serveEverywhere(txID string, body []byte) {
	for _, gw := range f.gateways {
		gw.serveVerified(txID, body)
	}
}

func TestFetchEngine_HealthyFetch(t *testing.T) {
	f := newFetchFixture(t, 3, 3)
	tx := makeTxID(1)
	body := []byte("healthy content")
	f.serveEverywhere(tx, body)

	result, err := f.engine.Fetch(context.Background(), ContentRequest{TxID: tx})
	if err != nil {
		t.Fatal(err)
	}
	if string(result.Data) != string(body) {
		t.Error("body mismatch")
	}
	if result.Cached {
		t.Error("first fetch must not be cached")
	}
	if result.Gateway != f.gateways[0].URL {
		t.Errorf("expected round-robin first pick %s, got %s", f.gateways[0].URL, result.Gateway)
	}
	if result.Verification == nil || result.Verification.Hash != contentDigest(body) {
		t.Error("expected verification result with the content hash")
	}
}

func TestFetchEngine_VerificationFaultRetries(t *testing.T) {
	f := newFetchFixture(t, 3, 3)
	tx := makeTxID(1)
	body := []byte("the true bytes")
	f.serveEverywhere(tx, body)

	// g1 serves tampered bytes but still attests the true digest.
	f.gateways[0].objects[tx] = []byte("tampered bytes!")

	result, err := f.engine.Fetch(context.Background(), ContentRequest{TxID: tx})
	if err != nil {
		t.Fatal(err)
	}
	if string(result.Data) != string(body) {
		t.Error("expected the verified bytes from a retry gateway")
	}
	if result.Gateway == f.gateways[0].URL {
		t.Error("expected the lying gateway excluded from the retry")
	}

	// One verification fault carries the triple weight and opens the circuit.
	snap, ok := f.health.Snapshot(f.gateways[0].URL)
	if !ok {
		t.Fatal("expected a health record for the lying gateway")
	}
	if snap.Failures != 3 {
		t.Errorf("expected weighted failures 3, got %d", snap.Failures)
	}
	if !snap.CircuitOpen {
		t.Error("expected circuit open for the lying gateway")
	}
}

func TestFetchEngine_NoGatewayTriedTwice(t *testing.T) {
	f := newFetchFixture(t, 5, 2)
	tx := makeTxID(1)
	// Both gateways serve garbage; every attempt fails verification.
	for _, gw := range f.gateways {
		gw.objects[tx] = []byte("garbage")
		gw.raw[tx] = []byte("garbage")
		gw.digests[tx] = contentDigest([]byte("the true bytes"))
	}

	_, err := f.engine.Fetch(context.Background(), ContentRequest{TxID: tx})
	exhausted, ok := err.(*RetriesExhaustedError)
	if !ok {
		t.Fatalf("expected RetriesExhaustedError, got %v", err)
	}

	seen := make(map[string]int)
	for _, attempt := range exhausted.Attempts {
		seen[attempt.Gateway]++
	}
	for gateway, count := range seen {
		if count > 1 {
			t.Errorf("gateway %s tried %d times in one request", gateway, count)
		}
	}
}

func TestFetchEngine_SecondRequestServedFromCache(t *testing.T) {
	f := newFetchFixture(t, 3, 2)
	tx := makeTxID(1)
	body := []byte("cacheable")
	f.serveEverywhere(tx, body)

	if _, err := f.engine.Fetch(context.Background(), ContentRequest{TxID: tx}); err != nil {
		t.Fatal(err)
	}

	// Break every upstream: the cache must answer alone.
	for _, gw := range f.gateways {
		gw.statuses[tx] = http.StatusInternalServerError
	}
	result, err := f.engine.Fetch(context.Background(), ContentRequest{TxID: tx})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Cached {
		t.Error("expected cache hit")
	}
	if string(result.Data) != string(body) {
		t.Error("cached body mismatch")
	}
	if result.CacheAge < 0 {
		t.Error("expected non-negative cache age")
	}
}

func TestFetchEngine_GatewayErrorsRetryAndReport(t *testing.T) {
	f := newFetchFixture(t, 3, 2)
	tx := makeTxID(1)
	body := []byte("eventually served")
	f.serveEverywhere(tx, body)
	f.gateways[0].statuses[tx] = http.StatusBadGateway

	result, err := f.engine.Fetch(context.Background(), ContentRequest{TxID: tx})
	if err != nil {
		t.Fatal(err)
	}
	if result.Gateway != f.gateways[1].URL {
		t.Errorf("expected failover to the second gateway, got %s", result.Gateway)
	}

	// Availability faults weigh 1, not 3.
	snap, _ := f.health.Snapshot(f.gateways[0].URL)
	if snap.Failures != 1 {
		t.Errorf("expected single-weight availability failure, got %d", snap.Failures)
	}
}

func TestFetchEngine_ManifestResolution(t *testing.T) {
	f := newFetchFixture(t, 3, 2)
	manifestTx := makeTxID(9)
	contentTx := makeTxID(1)
	content := []byte("<h1>page</h1>")
	manifest := testManifestJSON(t, PathManifest{
		Manifest: "arweave/paths",
		Paths:    map[string]ManifestEntry{"page.html": {ID: contentTx}},
	})

	for _, gw := range f.gateways {
		gw.serveVerified(manifestTx, manifest)
		gw.serveVerified(contentTx, content)
		// The gateway resolves /page.html through the manifest and says so.
		h := http.Header{}
		h.Set(dataIDHeader, contentTx)
		h.Set(rootTxHeader, manifestTx)
		gw.headers[manifestTx] = h
		gw.objects[manifestTx] = content
	}

	result, err := f.engine.Fetch(context.Background(), ContentRequest{TxID: manifestTx, Path: "/page.html"})
	if err != nil {
		t.Fatal(err)
	}
	if result.TxID != contentTx {
		t.Errorf("expected content txId %s, got %s", contentTx, result.TxID)
	}
	if result.ManifestTxID != manifestTx {
		t.Errorf("expected manifest txId %s, got %s", manifestTx, result.ManifestTxID)
	}
	if string(result.Data) != string(content) {
		t.Error("content mismatch")
	}

	// The resolved object is cached under the content txId with empty path.
	if _, ok := f.cache.Get(contentTx, ""); !ok {
		t.Error("expected manifest-resolved content keyed by content txId")
	}
}

func TestFetchEngine_ManifestDataIDMismatchPenalized(t *testing.T) {
	f := newFetchFixture(t, 2, 2)
	manifestTx := makeTxID(9)
	contentTx := makeTxID(1)
	rogueTx := makeTxID(6)
	manifest := testManifestJSON(t, PathManifest{
		Paths: map[string]ManifestEntry{"page.html": {ID: contentTx}},
	})

	for _, gw := range f.gateways {
		gw.serveVerified(manifestTx, manifest)
		// Every gateway claims it served some other object for the path.
		h := http.Header{}
		h.Set(dataIDHeader, rogueTx)
		h.Set(rootTxHeader, manifestTx)
		gw.headers[manifestTx] = h
		gw.objects[manifestTx] = []byte("rogue bytes")
		gw.digests[manifestTx] = contentDigest(manifest)
	}

	_, err := f.engine.Fetch(context.Background(), ContentRequest{TxID: manifestTx, Path: "/page.html"})
	if _, ok := err.(*RetriesExhaustedError); !ok {
		t.Fatalf("expected retries exhausted on persistent mismatch, got %v", err)
	}

	// The mismatch is adversarial: verification weight applies.
	snap, _ := f.health.Snapshot(f.gateways[0].URL)
	if snap.Failures != verificationFailureWeight {
		t.Errorf("expected verification-weighted penalty, got %d", snap.Failures)
	}
}

func TestFetchEngine_VerificationDisabledPassesThrough(t *testing.T) {
	f := newFetchFixture(t, 2, 1)
	tx := makeTxID(1)
	// The gateway attests nothing; with verification off that is fine.
	f.gateways[0].objects[tx] = []byte("unverified")

	engine := NewFetchEngine(f.selector, nil, nil, f.cache, testClient(""),
		false, true, 2, time.Second, nil, testLogger())

	result, err := engine.Fetch(context.Background(), ContentRequest{TxID: tx})
	if err != nil {
		t.Fatal(err)
	}
	if result.Verification != nil {
		t.Error("expected no verification result")
	}
	if string(result.Data) != "unverified" {
		t.Error("body mismatch")
	}
	// Unverified bytes must never enter the verified-content cache.
	if _, ok := f.cache.Get(tx, ""); ok {
		t.Error("expected nothing cached with verification disabled")
	}
}
