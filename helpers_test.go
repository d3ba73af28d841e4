package wayfinder

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// makeTxID builds a valid txId whose decoded bytes are all b
func makeTxID(b byte) string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = b
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// testGateway is an httptest server acting as one content gateway: it
// serves configured objects, attests digests, and answers the resolver.
type testGateway struct {
	*httptest.Server
	objects  map[string][]byte          // txId -> body served on GET /<txId>...
	digests  map[string]string          // txId -> attested digest
	records  map[string]arnsRecord      // name -> resolver record
	raw      map[string][]byte          // txId -> body served on GET /raw/<txId>
	headers  map[string]http.Header     // txId -> extra headers on GET
	statuses map[string]int             // txId -> forced status
	hits     func(r *http.Request)      // optional request observer
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	g := &testGateway{
		objects:  make(map[string][]byte),
		digests:  make(map[string]string),
		records:  make(map[string]arnsRecord),
		raw:      make(map[string][]byte),
		headers:  make(map[string]http.Header),
		statuses: make(map[string]int),
	}
	g.Server = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.Server.Close)
	return g
}

// serveVerified registers an object and attests its true digest
func (g *testGateway) serveVerified(txID string, body []byte) {
	g.objects[txID] = body
	g.raw[txID] = body
	g.digests[txID] = contentDigest(body)
}

func (g *testGateway) handle(w http.ResponseWriter, r *http.Request) {
	if g.hits != nil {
		g.hits(r)
	}

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/ar-io/resolver/records/"):
		name := strings.TrimPrefix(path, "/ar-io/resolver/records/")
		record, ok := g.records[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"txId":"` + record.TxID + `","ttlSeconds":` + strconv.Itoa(record.TTLSeconds) + `}`))

	case strings.HasPrefix(path, "/raw/"):
		txID := strings.TrimPrefix(path, "/raw/")
		body, ok := g.raw[txID]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)

	default:
		txID := strings.TrimPrefix(path, "/")
		if idx := strings.IndexByte(txID, '/'); idx >= 0 {
			txID = txID[:idx]
		}
		if status, ok := g.statuses[txID]; ok {
			w.WriteHeader(status)
			return
		}
		if digest, ok := g.digests[txID]; ok {
			w.Header().Set(digestHeader, digest)
		}
		body, ok := g.objects[txID]
		if !ok {
			http.NotFound(w, r)
			return
		}
		for name, values := range g.headers[txID] {
			for _, v := range values {
				w.Header().Set(name, v)
			}
		}
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(body)
	}
}

// testClient builds a registry client with short timeouts for tests
func testClient(registryURL string) *registryClient {
	return newRegistryClient(registryURL, 8, time.Second, 2*time.Second, 30*time.Second, testLogger())
}

// staticPool builds a static-source pool over the given gateway origins
func staticPool(origins ...string) *GatewayPool {
	return NewGatewayPool(nil, sourceStatic, time.Hour, 1, origins, testLogger())
}
