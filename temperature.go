package wayfinder

import (
	"math"
	"math/rand"
	"time"
)

// neutralScore is handed to gateways with too few samples so newcomers
// still get drawn instead of locking selection onto the first few winners.
const neutralScore = 1.0

// NewTemperatureStore creates a temperature store with the given sample
// window and per-gateway sample cap.
func NewTemperatureStore(window time.Duration, maxSamples int) *TemperatureStore {
	if maxSamples <= 0 {
		maxSamples = 100
	}
	return &TemperatureStore{
		windows:    make(map[string]*sampleWindow),
		window:     window,
		maxSamples: maxSamples,
		minSamples: 3,
	}
}

// RecordSuccess adds a successful sample with its observed latency
func (t *TemperatureStore) RecordSuccess(origin string, latency time.Duration) {
	t.windowFor(origin).add(tempSample{at: time.Now(), latency: latency, success: true}, t.maxSamples)
}

// RecordFailure adds a failed sample
func (t *TemperatureStore) RecordFailure(origin string) {
	t.windowFor(origin).add(tempSample{at: time.Now(), success: false}, t.maxSamples)
}

// Score derives a selection weight from the gateway's recent samples.
// Higher success rates boost the score; higher latencies shrink it.
func (t *TemperatureStore) Score(origin string) float64 {
	t.mu.RLock()
	w, ok := t.windows[origin]
	t.mu.RUnlock()
	if !ok {
		return neutralScore
	}

	successes, total, latencySum := w.tally(t.window)
	if total < t.minSamples {
		return neutralScore
	}

	successRate := float64(successes) / float64(total)
	avgLatencyMs := 0.0
	if successes > 0 {
		avgLatencyMs = float64(latencySum.Milliseconds()) / float64(successes)
	}

	boost := 1 + 4*successRate*successRate
	return boost / math.Log2(avgLatencyMs+2)
}

// AllScores returns the current score per tracked gateway
func (t *TemperatureStore) AllScores() map[string]float64 {
	t.mu.RLock()
	origins := make([]string, 0, len(t.windows))
	for origin := range t.windows {
		origins = append(origins, origin)
	}
	t.mu.RUnlock()

	scores := make(map[string]float64, len(origins))
	for _, origin := range origins {
		scores[origin] = t.Score(origin)
	}
	return scores
}

// SelectWeighted draws one candidate with probability proportional to its
// score. When every score is zero the draw is uniform.
func (t *TemperatureStore) SelectWeighted(candidates []GatewayInfo) (GatewayInfo, bool) {
	if len(candidates) == 0 {
		return GatewayInfo{}, false
	}

	scores := make([]float64, len(candidates))
	var sum float64
	for i, gw := range candidates {
		scores[i] = t.Score(gw.Origin)
		sum += scores[i]
	}
	if sum <= 0 {
		return candidates[rand.Intn(len(candidates))], true
	}

	draw := rand.Float64() * sum
	for i, score := range scores {
		draw -= score
		if draw <= 0 {
			return candidates[i], true
		}
	}
	return candidates[len(candidates)-1], true
}

func (t *TemperatureStore) windowFor(origin string) *sampleWindow {
	t.mu.RLock()
	w, ok := t.windows[origin]
	t.mu.RUnlock()
	if ok {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok = t.windows[origin]; !ok {
		w = &sampleWindow{}
		t.windows[origin] = w
	}
	return w
}

func (w *sampleWindow) add(s tempSample, maxSamples int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, s)
	if len(w.samples) > maxSamples {
		w.samples = w.samples[len(w.samples)-maxSamples:]
	}
}

// tally counts samples inside the window and sums successful latencies
func (w *sampleWindow) tally(window time.Duration) (successes, total int, latencySum time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-window)
	for _, s := range w.samples {
		if window > 0 && s.at.Before(cutoff) {
			continue
		}
		total++
		if s.success {
			successes++
			latencySum += s.latency
		}
	}
	return successes, total, latencySum
}
