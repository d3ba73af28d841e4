package wayfinder

import (
	"context"
	"testing"
	"time"
)

func newTestSelector(pool *GatewayPool, strategy RoutingStrategy) (*GatewaySelector, *HealthRegistry, *TemperatureStore) {
	health := newTestRegistry(100, 3, time.Minute, time.Minute)
	temps := NewTemperatureStore(time.Minute, 100)
	if strategy == nil {
		strategy = &roundRobinStrategy{}
	}
	sel := NewGatewaySelector(pool, health, temps, strategy, 1, time.Millisecond, nil, testLogger())
	return sel, health, temps
}

func TestSelector_PrefersHealthyGateways(t *testing.T) {
	pool := staticPool("https://g1.example", "https://g2.example")
	sel, health, _ := newTestSelector(pool, randomStrategy{})

	health.MarkUnhealthy("https://g1.example", time.Hour)
	for i := 0; i < 10; i++ {
		gw, err := sel.Select(context.Background(), "/", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if gw.Origin != "https://g2.example" {
			t.Fatalf("expected the healthy gateway, got %s", gw.Origin)
		}
	}
}

func TestSelector_HonorsExclusions(t *testing.T) {
	pool := staticPool("https://g1.example", "https://g2.example", "https://g3.example")
	sel, _, _ := newTestSelector(pool, nil)

	exclude := map[string]bool{"https://g1.example": true, "https://g3.example": true}
	for i := 0; i < 5; i++ {
		gw, err := sel.Select(context.Background(), "/", "", exclude)
		if err != nil {
			t.Fatal(err)
		}
		if gw.Origin != "https://g2.example" {
			t.Fatalf("expected the only non-excluded gateway, got %s", gw.Origin)
		}
	}
}

func TestSelector_WidensToUnhealthyPool(t *testing.T) {
	pool := staticPool("https://g1.example", "https://g2.example")
	sel, health, _ := newTestSelector(pool, nil)

	// Every gateway unhealthy: selection widens rather than failing.
	health.MarkUnhealthy("https://g1.example", time.Hour)
	health.MarkUnhealthy("https://g2.example", time.Hour)

	gw, err := sel.Select(context.Background(), "/", "", nil)
	if err != nil {
		t.Fatalf("expected a widened pick, got %v", err)
	}
	if gw.Origin == "" {
		t.Error("expected a gateway")
	}
}

func TestSelector_WidensToFullPoolWhenAllExcluded(t *testing.T) {
	pool := staticPool("https://g1.example")
	sel, _, _ := newTestSelector(pool, nil)

	gw, err := sel.Select(context.Background(), "/", "", map[string]bool{"https://g1.example": true})
	if err != nil {
		t.Fatalf("expected full-pool fallback, got %v", err)
	}
	if gw.Origin != "https://g1.example" {
		t.Errorf("unexpected pick %s", gw.Origin)
	}
}

func TestSelector_ReportsFeedHealthAndTemperature(t *testing.T) {
	pool := staticPool("https://g1.example")
	sel, health, temps := newTestSelector(pool, nil)

	sel.ReportFailure("https://g1.example", true)
	snap, _ := health.Snapshot("https://g1.example")
	if snap.Failures != verificationFailureWeight {
		t.Errorf("expected weighted verification penalty, got %d failures", snap.Failures)
	}

	sel.ReportSuccess("https://g1.example", 10*time.Millisecond)
	if !health.IsHealthy("https://g1.example") {
		t.Error("expected healthy after success report")
	}
	if len(temps.windows["https://g1.example"].samples) == 0 {
		t.Error("expected temperature samples recorded")
	}
}

func TestRoundRobinStrategy_Cycles(t *testing.T) {
	s := &roundRobinStrategy{}
	pool := []GatewayInfo{{Origin: "a"}, {Origin: "b"}, {Origin: "c"}}

	var picks []string
	for i := 0; i < 6; i++ {
		gw, err := s.Pick(context.Background(), pool, "", "")
		if err != nil {
			t.Fatal(err)
		}
		picks = append(picks, gw.Origin)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("expected cycle %v, got %v", want, picks)
		}
	}
}

func TestRandomStrategy_StaysInPool(t *testing.T) {
	pool := []GatewayInfo{{Origin: "a"}, {Origin: "b"}}
	for i := 0; i < 20; i++ {
		gw, err := randomStrategy{}.Pick(context.Background(), pool, "", "")
		if err != nil {
			t.Fatal(err)
		}
		if gw.Origin != "a" && gw.Origin != "b" {
			t.Fatalf("pick outside pool: %s", gw.Origin)
		}
	}
}

func TestFastestStrategy_PicksResponder(t *testing.T) {
	alive := newTestGateway(t)

	s := &fastestStrategy{
		registry:    testClient(""),
		concurrency: 4,
		timeout:     500 * time.Millisecond,
		logger:      testLogger(),
	}
	pool := []GatewayInfo{
		{Origin: "http://127.0.0.1:1"}, // nothing listens here
		{Origin: alive.URL},
	}

	gw, err := s.Pick(context.Background(), pool, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if gw.Origin != alive.URL {
		t.Errorf("expected the live gateway, got %s", gw.Origin)
	}
}

func TestTemperatureStrategy_UsesStore(t *testing.T) {
	temps := NewTemperatureStore(time.Minute, 100)
	s := &temperatureStrategy{temps: temps}

	pool := []GatewayInfo{{Origin: "a"}, {Origin: "b"}}
	gw, err := s.Pick(context.Background(), pool, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if gw.Origin != "a" && gw.Origin != "b" {
		t.Errorf("pick outside pool: %s", gw.Origin)
	}
}
