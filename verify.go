package wayfinder

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"go.uber.org/zap"
)

// HashVerifier supplies the expected digest for an object from the trust
// anchors. The engine consumes this primitive; it does not implement the
// underlying hashing protocol.
type HashVerifier interface {
	ExpectedDigest(ctx context.Context, txID string) (digest string, attestedBy []string, err error)
}

// digestQuorum asks the top-staked gateways for the digest they attest to
// and requires threshold of them to agree.
type digestQuorum struct {
	pool      *GatewayPool
	registry  *registryClient
	count     int
	threshold int
	logger    *zap.Logger
}

func newDigestQuorum(pool *GatewayPool, registry *registryClient, count, threshold int, logger *zap.Logger) *digestQuorum {
	if count < threshold {
		count = threshold
	}
	return &digestQuorum{pool: pool, registry: registry, count: count, threshold: threshold, logger: logger}
}

// ExpectedDigest collects digest attestations until a quorum agrees
func (q *digestQuorum) ExpectedDigest(ctx context.Context, txID string) (string, []string, error) {
	anchors, err := q.pool.TopStaked(ctx, q.count)
	if err != nil {
		return "", nil, err
	}

	type attestation struct {
		origin string
		digest string
		err    error
	}
	results := make(chan attestation, len(anchors))
	for _, anchor := range anchors {
		go func(origin string) {
			digest, err := q.registry.FetchDigest(ctx, origin, txID)
			results <- attestation{origin: origin, digest: digest, err: err}
		}(anchor.Origin)
	}

	votes := make(map[string][]string)
	responses := 0
	for i := 0; i < len(anchors); i++ {
		select {
		case <-ctx.Done():
			return "", nil, &VerificationError{TxID: txID, Err: ctx.Err()}
		case a := <-results:
			if a.err != nil {
				q.logger.Debug("digest attestation failed",
					zap.String("tx_id", txID),
					zap.String("anchor", a.origin),
					zap.Error(a.err))
				continue
			}
			responses++
			votes[a.digest] = append(votes[a.digest], a.origin)
			if len(votes[a.digest]) >= q.threshold {
				return a.digest, votes[a.digest], nil
			}
		}
	}

	return "", nil, &VerificationError{
		TxID: txID,
		Err:  &ResolutionTimeout{Name: txID, Responses: responses, Required: q.threshold},
	}
}

// Verifier checks fully buffered content against the trust anchors. No
// byte from a stream that subsequently fails verification is visible to
// any caller: the engine buffers, calls VerifyBytes, and only then emits.
type Verifier struct {
	anchors HashVerifier
	logger  *zap.Logger
}

// NewVerifier builds a verifier over the given digest source
func NewVerifier(anchors HashVerifier, logger *zap.Logger) *Verifier {
	return &Verifier{anchors: anchors, logger: logger}
}

// VerifyBytes hashes the buffered body and compares it with the quorum
// digest. gateway names the serving gateway for the error report.
func (v *Verifier) VerifyBytes(ctx context.Context, data []byte, txID, gateway string) (*VerificationResult, error) {
	start := time.Now()

	expected, attestedBy, err := v.anchors.ExpectedDigest(ctx, txID)
	if err != nil {
		if verr, ok := err.(*VerificationError); ok {
			verr.Gateway = gateway
			return nil, verr
		}
		return nil, &VerificationError{TxID: txID, Gateway: gateway, Err: err}
	}

	actual := contentDigest(data)
	if actual != expected {
		v.logger.Warn("content digest mismatch",
			zap.String("tx_id", txID),
			zap.String("gateway", gateway),
			zap.String("expected", expected),
			zap.String("actual", actual))
		return nil, &VerificationError{TxID: txID, Gateway: gateway, Expected: expected, Actual: actual}
	}

	return &VerificationResult{
		Duration:   time.Since(start),
		Hash:       actual,
		VerifiedBy: attestedBy,
	}, nil
}

// contentDigest is the canonical digest form: base64url(sha256(data))
func contentDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
