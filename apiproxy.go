package wayfinder

import (
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// apiCacheTTL is how long small GET responses from gateway APIs are reused
var apiCacheTTL = map[string]time.Duration{
	"info":  30 * time.Second,
	"peers": 30 * time.Second,
	"price": 15 * time.Second,
	"block": 10 * time.Second,
	"tx":    60 * time.Second,
}

// apiCacheMaxBody bounds what the API cache will hold per response
const apiCacheMaxBody = 1 << 20

type apiCachedResponse struct {
	status      int
	contentType string
	body        []byte
	expires     time.Time
}

// apiResponseCache is a small TTL map for proxied gateway API responses
type apiResponseCache struct {
	mu      sync.Mutex
	entries map[string]*apiCachedResponse
}

func newAPIResponseCache() *apiResponseCache {
	return &apiResponseCache{entries: make(map[string]*apiCachedResponse)}
}

func (c *apiResponseCache) get(key string) *apiCachedResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return nil
	}
	return entry
}

func (c *apiResponseCache) set(key string, entry *apiCachedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
}

// serveAPI proxies gateway API paths. GraphQL goes to the dedicated
// upstream; the rest is forwarded to a selected gateway with per-category
// response caching.
func (wf *Wayfinder) serveAPI(w http.ResponseWriter, r *http.Request, info RequestInfo) {
	if info.APICategory == "graphql" {
		wf.serveGraphQL(w, r)
		return
	}

	ttl := apiCacheTTL[info.APICategory]
	cacheKey := info.APICategory + "|" + r.URL.RequestURI()
	cacheable := r.Method == http.MethodGet && ttl > 0

	if cacheable {
		if entry := wf.apiCache.get(cacheKey); entry != nil {
			if entry.contentType != "" {
				w.Header().Set("Content-Type", entry.contentType)
			}
			w.Header().Set(headerCached, "true")
			w.WriteHeader(entry.status)
			_, _ = w.Write(entry.body)
			return
		}
	}

	gw, err := wf.selector.Select(r.Context(), info.Path, "", nil)
	if err != nil {
		writeError(w, err)
		return
	}

	target := strings.TrimSuffix(gw.Origin, "/") + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeError(w, &GatewayError{Gateway: gw.Origin, Err: err})
		return
	}
	copyProxyHeaders(req.Header, r.Header)

	start := time.Now()
	resp, err := wf.registry.Do(req)
	if err != nil {
		wf.selector.ReportFailure(gw.Origin, false)
		writeError(w, &GatewayError{Gateway: gw.Origin, Err: err})
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			wf.logger.Debug("failed to close api response body", zap.Error(err))
		}
	}()
	wf.selector.ReportSuccess(gw.Origin, time.Since(start))

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set(headerRoutedVia, gw.Origin)

	if cacheable && resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 && resp.ContentLength <= apiCacheMaxBody {
		body, err := io.ReadAll(io.LimitReader(resp.Body, apiCacheMaxBody+1))
		if err == nil && int64(len(body)) <= apiCacheMaxBody {
			wf.apiCache.set(cacheKey, &apiCachedResponse{
				status:      resp.StatusCode,
				contentType: resp.Header.Get("Content-Type"),
				body:        body,
				expires:     time.Now().Add(ttl),
			})
			w.WriteHeader(resp.StatusCode)
			_, _ = w.Write(body)
			return
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		wf.logger.Debug("api proxy copy failed", zap.Error(err))
	}
}

// serveGraphQL transparently proxies to the configured GraphQL upstream
func (wf *Wayfinder) serveGraphQL(w http.ResponseWriter, r *http.Request) {
	if wf.Server.GraphQLProxyURL == "" {
		http.Error(w, "graphql upstream not configured", http.StatusNotFound)
		return
	}
	upstream, err := url.Parse(wf.Server.GraphQLProxyURL)
	if err != nil {
		writeError(w, &GatewayError{Gateway: wf.Server.GraphQLProxyURL, Err: err})
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.Transport = wf.registry.client.Transport
	proxy.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		wf.logger.Warn("graphql proxy failed", zap.Error(err))
		writeError(w, &GatewayError{Gateway: upstream.Host, Err: err})
	}
	r.Host = upstream.Host
	proxy.ServeHTTP(w, r)
}

// hop-by-hop headers are not forwarded upstream
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyProxyHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopHeaders[name] || strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
