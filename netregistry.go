package wayfinder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// registryClient talks to the ar.io network HTTP surface: the gateway
// registry, the ArNS resolver, and the digest endpoint used by the verifier.
type registryClient struct {
	client      *http.Client
	registryURL string
	logger      *zap.Logger
}

// newRegistryClient builds the upstream client with the configured pool
// limits and timeouts.
func newRegistryClient(registryURL string, connectionsPerHost int, connectTimeout, requestTimeout, keepAlive time.Duration, logger *zap.Logger) *registryClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		MaxConnsPerHost:     connectionsPerHost,
		MaxIdleConnsPerHost: connectionsPerHost,
		IdleConnTimeout:     keepAlive,
	}
	return &registryClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		registryURL: strings.TrimSuffix(registryURL, "/"),
		logger:      logger,
	}
}

// registryGateway is one record from the /ar-io/gateways listing
type registryGateway struct {
	GatewayAddress string `json:"gatewayAddress"`
	OperatorStake  int64  `json:"operatorStake"`
	DelegatedStake int64  `json:"totalDelegatedStake"`
	Status         string `json:"status"`
	Settings       struct {
		Protocol string `json:"protocol"`
		FQDN     string `json:"fqdn"`
		Port     int    `json:"port"`
	} `json:"settings"`
}

type registryPage struct {
	Items      []registryGateway `json:"items"`
	NextCursor string            `json:"nextCursor,omitempty"`
	HasMore    bool              `json:"hasMore"`
}

// FetchGateways pages through the registry and returns joined gateways
// with valid hostnames.
func (c *registryClient) FetchGateways(ctx context.Context) ([]GatewayInfo, error) {
	var gateways []GatewayInfo
	cursor := ""

	for {
		page, err := c.fetchPage(ctx, cursor)
		if err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			if item.Status != "joined" {
				continue
			}
			origin, hostname, ok := originFromSettings(item.Settings.Protocol, item.Settings.FQDN, item.Settings.Port)
			if !ok {
				c.logger.Debug("skipping gateway with invalid hostname",
					zap.String("address", item.GatewayAddress),
					zap.String("fqdn", item.Settings.FQDN))
				continue
			}
			gateways = append(gateways, GatewayInfo{
				Origin:         origin,
				Hostname:       hostname,
				OperatorStake:  item.OperatorStake,
				DelegatedStake: item.DelegatedStake,
				TotalStake:     item.OperatorStake + item.DelegatedStake,
			})
		}

		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return gateways, nil
}

func (c *registryClient) fetchPage(ctx context.Context, cursor string) (*registryPage, error) {
	listURL := fmt.Sprintf("%s/ar-io/gateways?limit=1000&sortBy=operatorStake&sortOrder=desc", c.registryURL)
	if cursor != "" {
		listURL += "&cursor=" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating registry request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("failed to close registry response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry status %d", resp.StatusCode)
	}

	var page registryPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding registry response: %w", err)
	}
	return &page, nil
}

// arnsRecord is the resolver response for one name
type arnsRecord struct {
	TxID       string `json:"txId"`
	TTLSeconds int    `json:"ttlSeconds"`
	ProcessID  string `json:"processId,omitempty"`
}

// ResolveName asks one gateway's resolver for a name's current record
func (c *registryClient) ResolveName(ctx context.Context, origin, name string) (txID string, ttl time.Duration, err error) {
	recordURL := fmt.Sprintf("%s/ar-io/resolver/records/%s", strings.TrimSuffix(origin, "/"), url.PathEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("creating resolver request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("resolver request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("failed to close resolver response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("resolver status %d", resp.StatusCode)
	}

	var record arnsRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return "", 0, fmt.Errorf("decoding resolver response: %w", err)
	}
	if !isTxID(record.TxID) {
		return "", 0, fmt.Errorf("resolver returned malformed txId %q", record.TxID)
	}
	return record.TxID, time.Duration(record.TTLSeconds) * time.Second, nil
}

// digestHeader carries the object digest a gateway attests to
const digestHeader = "x-ar-io-digest"

// FetchDigest asks one gateway for the digest it attests for a txId
func (c *registryClient) FetchDigest(ctx context.Context, origin, txID string) (string, error) {
	headURL := fmt.Sprintf("%s/%s", strings.TrimSuffix(origin, "/"), txID)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, headURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating digest request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("digest request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("failed to close digest response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("digest status %d", resp.StatusCode)
	}

	digest := resp.Header.Get(digestHeader)
	if digest == "" {
		return "", fmt.Errorf("gateway sent no %s header", digestHeader)
	}
	return digest, nil
}

// FetchRaw downloads an object's raw bytes from one gateway, bounded by max
func (c *registryClient) FetchRaw(ctx context.Context, origin, txID string, max int64) ([]byte, error) {
	rawURL := fmt.Sprintf("%s/raw/%s", strings.TrimSuffix(origin, "/"), txID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating raw request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("raw request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("failed to close raw response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("raw status %d", resp.StatusCode)
	}
	if max > 0 && resp.ContentLength > max {
		return nil, fmt.Errorf("object is %d bytes, limit %d", resp.ContentLength, max)
	}

	reader := io.Reader(resp.Body)
	if max > 0 {
		reader = io.LimitReader(resp.Body, max+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading raw response: %w", err)
	}
	if max > 0 && int64(len(data)) > max {
		return nil, fmt.Errorf("object exceeds %d byte limit", max)
	}
	return data, nil
}

// Ping issues a HEAD to a gateway root, used by the fastest strategy
func (c *registryClient) Ping(ctx context.Context, origin string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, origin, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	if err := resp.Body.Close(); err != nil {
		c.logger.Debug("failed to close ping response body", zap.Error(err))
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return 0, fmt.Errorf("ping status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

// Do forwards a prepared request through the shared upstream client
func (c *registryClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// originFromSettings normalizes registry settings to scheme://host[:port]
func originFromSettings(protocol, fqdn string, port int) (origin, hostname string, ok bool) {
	if !isHostname(fqdn) {
		return "", "", false
	}
	if protocol == "" {
		protocol = "https"
	}
	if protocol != "http" && protocol != "https" {
		return "", "", false
	}
	origin = protocol + "://" + fqdn
	if port != 0 && !(protocol == "https" && port == 443) && !(protocol == "http" && port == 80) {
		origin = fmt.Sprintf("%s:%d", origin, port)
	}
	return origin, fqdn, true
}

// isHostname accepts DNS names of the shape label(.label)+
func isHostname(host string) bool {
	if host == "" || len(host) > 253 || strings.Contains(host, "..") {
		return false
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
		for i, r := range label {
			alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !alnum && !(r == '-' && i > 0 && i < len(label)-1) {
				return false
			}
		}
	}
	return true
}
