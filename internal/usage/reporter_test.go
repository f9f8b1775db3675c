package usage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type capture struct {
	mu      sync.Mutex
	bodies  []usagePayload
	headers []http.Header
}

func (c *capture) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/usage-metrics" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		var p usagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		c.mu.Lock()
		c.bodies = append(c.bodies, p)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func TestNewReporter_IntervalClamping(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                0,
		time.Minute:      MinInterval,
		30 * time.Minute: 30 * time.Minute,
	}
	for in, want := range cases {
		if got := NewReporter("http://x", "k", "v", in, zerolog.Nop()).interval; got != want {
			t.Errorf("interval %v: got %v, want %v", in, got, want)
		}
	}
}

func TestPush_PayloadAndReset(t *testing.T) {
	c := &capture{}
	srv := c.server(t, http.StatusCreated)
	r := NewReporter(srv.URL+"/", "lapi-key", "1.2.3", 30*time.Minute, zerolog.Nop())

	r.RecordBlocked("cli")
	r.RecordBlocked("cli")
	r.RecordBlocked("crowdsec")
	r.RecordProcessed()

	r.flush(context.Background())
	if c.count() != 1 {
		t.Fatalf("expected one POST, got %d", c.count())
	}
	p := c.bodies[0]
	if len(p.RemediationComponents) != 1 {
		t.Fatalf("unexpected payload %+v", p)
	}
	comp := p.RemediationComponents[0]
	if comp.Type != ComponentType || comp.Version != "1.2.3" || comp.Meta.WindowSizeSeconds != 1800 {
		t.Errorf("unexpected component header %+v", comp)
	}

	blocked := map[string]int64{}
	var processed int64 = -1
	for _, m := range comp.Metrics {
		switch m.Name {
		case "blocked":
			blocked[m.Labels["origin"]] = m.Value
			if m.Labels["remediation_type"] != "ban" {
				t.Errorf("unexpected remediation type %q", m.Labels["remediation_type"])
			}
		case "processed":
			processed = m.Value
		}
	}
	if blocked["cli"] != 2 || blocked["crowdsec"] != 1 || processed != 4 {
		t.Errorf("unexpected metrics blocked=%v processed=%d", blocked, processed)
	}

	h := c.headers[0]
	if h.Get("X-Api-Key") != "lapi-key" || h.Get("User-Agent") != "ip-tracker/1.2.3" {
		t.Errorf("unexpected headers %v", h)
	}

	r.flush(context.Background())
	last := c.bodies[1].RemediationComponents[0].Metrics
	if len(last) != 1 || last[0].Name != "processed" || last[0].Value != 0 {
		t.Errorf("counters should reset after push, got %+v", last)
	}
}

func TestPush_Non2xxIsNotAnError(t *testing.T) {
	c := &capture{}
	srv := c.server(t, http.StatusForbidden)
	r := NewReporter(srv.URL, "bad", "dev", 30*time.Minute, zerolog.Nop())
	if err := r.push(context.Background(), r.take()); err != nil {
		t.Errorf("non-2xx should only be logged, got %v", err)
	}
}

func TestRun_DisabledWhenIntervalZero(t *testing.T) {
	r := NewReporter("http://127.0.0.1:1", "k", "dev", 0, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		_ = r.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when disabled")
	}
}

func TestRun_FinalPushOnShutdown(t *testing.T) {
	c := &capture{}
	srv := c.server(t, http.StatusOK)
	r := NewReporter(srv.URL, "k", "dev", time.Hour, zerolog.Nop())
	r.RecordProcessed()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if c.count() != 1 {
		t.Errorf("expected final push on shutdown, got %d", c.count())
	}
}

func TestConcurrentRecords(t *testing.T) {
	r := NewReporter("http://x", "k", "dev", 0, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); r.RecordBlocked("cli") }()
		go func() { defer wg.Done(); r.RecordProcessed() }()
	}
	wg.Wait()
	w := r.take()
	if w.blocked["cli"] != 50 || w.processed != 100 {
		t.Errorf("blocked=%d processed=%d", w.blocked["cli"], w.processed)
	}
}

func TestPush_TransportErrorReturned(t *testing.T) {
	r := NewReporter("http://127.0.0.1:1", "k", "dev", 30*time.Minute, zerolog.Nop())
	if err := r.push(context.Background(), r.take()); err == nil {
		t.Error("expected an error for an unreachable LAPI")
	}
}

func TestBuildPayload_Timestamps(t *testing.T) {
	r := NewReporter("http://x", "k", "dev", 10*time.Minute, zerolog.Nop())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	c := r.buildPayload(newCounters()).RemediationComponents[0]
	if c.Meta.UtcNowTimestamp != fixed.Unix() || c.Meta.WindowSizeSeconds != 600 {
		t.Errorf("unexpected meta %+v", c.Meta)
	}
	if len(c.Metrics) != 1 || c.Metrics[0].Name != "processed" {
		t.Errorf("empty window should only report processed, got %+v", c.Metrics)
	}
}
