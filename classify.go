package wayfinder

import (
	"encoding/base32"
	"encoding/base64"
	"net"
	"strings"
)

// reservedPrefix namespaces the module's own endpoints
const reservedPrefix = "/wayfinder/"

// apiPrefixes are gateway API paths proxied instead of served as content
var apiPrefixes = map[string]string{
	"/graphql": "graphql",
	"/info":    "info",
	"/tx":      "tx",
	"/block":   "block",
	"/peers":   "peers",
	"/price":   "price",
	"/chunk":   "chunk",
}

var sandboxEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// isTxID reports whether s is a 43-character base64url content identifier
func isTxID(s string) bool {
	if len(s) != 43 {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}

// sandboxFor encodes a txId into its sandbox subdomain label: the
// lowercase base32 form of the decoded 32 bytes, 52 characters.
func sandboxFor(txID string) string {
	raw, err := base64.RawURLEncoding.DecodeString(txID)
	if err != nil {
		return ""
	}
	return strings.ToLower(sandboxEncoding.EncodeToString(raw))
}

// isSandboxLabel reports whether a host label has the sandbox shape
func isSandboxLabel(label string) bool {
	if len(label) != 52 {
		return false
	}
	for _, r := range label {
		if !(r >= 'a' && r <= 'z') && !(r >= '2' && r <= '7') {
			return false
		}
	}
	return true
}

// isArNSLabel reports whether a host label is a plausible ArNS name:
// 1-51 lowercase alphanumerics with interior dashes or underscores
// (undernames), excluding anything shaped like a txId or sandbox.
func isArNSLabel(label string) bool {
	if label == "" || len(label) > 51 {
		return false
	}
	if isSandboxLabel(label) || isTxID(label) {
		return false
	}
	for i, r := range label {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !alnum && !((r == '-' || r == '_') && i > 0 && i < len(label)-1) {
			return false
		}
	}
	return true
}

// Classifier turns (host, path) into a RequestInfo
type Classifier struct {
	baseDomain         string
	restrictToRootHost bool
	blocklist          *Blocklist
}

// NewClassifier builds the request classifier
func NewClassifier(baseDomain string, restrictToRootHost bool, blocklist *Blocklist) *Classifier {
	return &Classifier{
		baseDomain:         strings.ToLower(baseDomain),
		restrictToRootHost: restrictToRootHost,
		blocklist:          blocklist,
	}
}

// Classify determines what a request is asking for. Content requests on
// the apex get redirected into their sandbox subdomain so each object is
// its own origin; sandboxed requests must carry the txId matching the
// sandbox label.
func (c *Classifier) Classify(host, path string) RequestInfo {
	host = normalizeHost(host)
	subdomain, onBase := c.splitHost(host)

	if path == "" {
		path = "/"
	}

	// Reserved and API surfaces answer on any host.
	if strings.HasPrefix(path, reservedPrefix) || path == strings.TrimSuffix(reservedPrefix, "/") {
		return RequestInfo{Kind: RequestReserved, Path: path}
	}
	if onBase && subdomain == "" {
		if category, rest, ok := c.apiPath(path); ok {
			return RequestInfo{Kind: RequestAPI, APICategory: category, Path: rest}
		}
	}

	if !onBase {
		if c.restrictToRootHost {
			return RequestInfo{Kind: RequestBlocked, BlockReason: "restriction_mode"}
		}
		return RequestInfo{Kind: RequestPassthrough, Path: path}
	}

	switch {
	case subdomain == "":
		// Apex: a leading txId segment redirects into its sandbox.
		if txID, rest, ok := splitTxIDPath(path); ok {
			return RequestInfo{
				Kind:       RequestRedirect,
				TxID:       txID,
				Path:       rest,
				RedirectTo: sandboxFor(txID),
			}
		}
		return RequestInfo{Kind: RequestReserved, Path: path}

	case isSandboxLabel(subdomain):
		txID, rest, ok := splitTxIDPath(path)
		if !ok {
			return RequestInfo{Kind: RequestBlocked, BlockReason: "sandbox_mismatch"}
		}
		if sandboxFor(txID) != subdomain {
			return RequestInfo{Kind: RequestBlocked, BlockReason: "sandbox_mismatch"}
		}
		if c.restrictToRootHost {
			return RequestInfo{Kind: RequestBlocked, BlockReason: "restriction_mode"}
		}
		if c.blocklist != nil && c.blocklist.IsBlockedTx(txID) {
			return RequestInfo{Kind: RequestBlocked, TxID: txID, BlockReason: "content_moderated"}
		}
		return RequestInfo{Kind: RequestTxID, TxID: txID, Path: rest, Sandbox: subdomain}

	case isArNSLabel(subdomain):
		if c.restrictToRootHost {
			return RequestInfo{Kind: RequestBlocked, BlockReason: "restriction_mode"}
		}
		if c.blocklist != nil && c.blocklist.IsBlockedName(subdomain) {
			return RequestInfo{Kind: RequestBlocked, ArNSName: subdomain, BlockReason: "content_moderated"}
		}
		return RequestInfo{Kind: RequestArNS, ArNSName: subdomain, Path: path}

	default:
		return RequestInfo{Kind: RequestBlocked, BlockReason: "malformed_host"}
	}
}

// splitHost separates a subdomain label from the base domain. onBase is
// true when host is the base domain or a direct label under it.
func (c *Classifier) splitHost(host string) (subdomain string, onBase bool) {
	if host == c.baseDomain {
		return "", true
	}
	if strings.HasSuffix(host, "."+c.baseDomain) {
		label := strings.TrimSuffix(host, "."+c.baseDomain)
		if !strings.Contains(label, ".") {
			return strings.ToLower(label), true
		}
	}
	return "", false
}

// apiPath matches a gateway API prefix, returning its category
func (c *Classifier) apiPath(path string) (category, rest string, ok bool) {
	for prefix, category := range apiPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return category, path, true
		}
	}
	return "", "", false
}

// splitTxIDPath extracts a leading /txId segment and the remaining subpath
func splitTxIDPath(path string) (txID, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	segment := trimmed
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		segment, rest = trimmed[:idx], trimmed[idx:]
	}
	if !isTxID(segment) {
		return "", "", false
	}
	return segment, rest, true
}

// normalizeHost lowercases and strips any port from a Host header value
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
