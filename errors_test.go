package wayfinder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{&ClassificationError{Reason: "sandbox_mismatch"}, http.StatusBadRequest, "bad_request"},
		{&NoHealthyGatewaysError{}, http.StatusServiceUnavailable, "no_healthy_gateways"},
		{&GatewayError{Gateway: "g", Status: 500}, http.StatusBadGateway, "gateway_error"},
		{&ConsensusError{Name: "x"}, http.StatusBadGateway, "consensus_error"},
		{&ResolutionTimeout{Name: "x", Responses: 1, Required: 3}, http.StatusGatewayTimeout, "resolution_timeout"},
		{&VerificationError{TxID: "t", Gateway: "g"}, http.StatusBadGateway, "verification_failed"},
		{&ManifestError{TxID: "t", Reason: "bad"}, http.StatusBadGateway, "manifest_error"},
		{&ManifestPathNotFound{TxID: "t", Path: "/x"}, http.StatusNotFound, "manifest_path_not_found"},
		{&BlockedContent{Type: "arns", Value: "x"}, http.StatusForbidden, "content_moderated"},
		{&RetriesExhaustedError{TxID: "t"}, http.StatusBadGateway, "retries_exhausted"},
	}

	for _, c := range cases {
		status, kind, _ := statusForError(c.err)
		if status != c.status || kind != c.kind {
			t.Errorf("%T: got (%d, %s), want (%d, %s)", c.err, status, kind, c.status, c.kind)
		}
	}
}

func TestWriteError_JSONEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, &ConsensusError{Name: "site", Observed: map[string]string{
		"https://g1.example": makeTxID(1),
		"https://g2.example": makeTxID(2),
	}})

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "consensus_error" {
		t.Errorf("unexpected error kind %q", body.Error)
	}
	if !strings.Contains(body.Message, "site") {
		t.Errorf("expected the name in the message, got %q", body.Message)
	}
}

func TestConsensusError_MessageAggregatesVotes(t *testing.T) {
	err := &ConsensusError{Name: "site", Observed: map[string]string{
		"g1": "AAA",
		"g2": "AAA",
		"g3": "BBB",
	}}
	msg := err.Error()
	if !strings.Contains(msg, "AAA×2") || !strings.Contains(msg, "BBB×1") {
		t.Errorf("expected vote aggregation in message, got %q", msg)
	}
}
