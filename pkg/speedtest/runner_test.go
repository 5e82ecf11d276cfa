package speedtest

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

func TestPickFastest(t *testing.T) {
	a := &st.Server{ID: "a", Latency: 30 * time.Millisecond, Distance: 1}
	b := &st.Server{ID: "b", Latency: 10 * time.Millisecond, Distance: 50}
	c := &st.Server{ID: "c", Latency: 10 * time.Millisecond, Distance: 5}
	unpinged := &st.Server{ID: "d"}

	got := pickFastest([]*st.Server{a, unpinged, b, nil, c})
	if got == nil || got.ID != "c" {
		t.Fatalf("expected c, got %+v", got)
	}
	if pickFastest([]*st.Server{unpinged}) != nil {
		t.Fatalf("expected nil when nothing answered")
	}
}

func TestServerInfoParsesCoordinates(t *testing.T) {
	s := &st.Server{ID: "7", Name: "Berlin", Country: "Germany", Lat: "52.52", Lon: " 13.40 ", Distance: 3.5, Latency: 4 * time.Millisecond}
	info := serverInfo(s)
	if info.Lat != 52.52 || info.Lon != 13.40 {
		t.Fatalf("coords: %v %v", info.Lat, info.Lon)
	}
	if info.ID != "7" || info.Country != "Germany" || info.Latency != 4*time.Millisecond {
		t.Fatalf("unexpected info: %+v", info)
	}
	if parseCoord("north") != 0 {
		t.Fatalf("garbage coordinate should read as 0")
	}
	if (clientInfo(nil) != ClientInfo{}) {
		t.Fatalf("nil user should give empty client info")
	}
}

func TestStepErrorUnwraps(t *testing.T) {
	cause := errors.New("dns")
	err := stepErr(StepDiscovery, cause)
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepDiscovery {
		t.Fatalf("expected discovery StepError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost")
	}
}

func TestNewHTTPClient(t *testing.T) {
	_, tr := newHTTPClient(RunConfig{MaxConnections: 1, OperationTimeout: time.Second})
	if tr.MaxIdleConnsPerHost != 2 {
		t.Fatalf("per-host idle = %d", tr.MaxIdleConnsPerHost)
	}
	_, tr = newHTTPClient(RunConfig{DisableKeepAlives: true, DisableHTTP2: true})
	if !tr.DisableKeepAlives || tr.ForceAttemptHTTP2 || tr.TLSNextProto == nil {
		t.Fatalf("unexpected transport: %+v", tr)
	}
}

type recordingTransport struct {
	calls atomic.Int32
	agent atomic.Value // string
}

func (r *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r.calls.Add(1)
	r.agent.Store(req.Header.Get("User-Agent"))
	return nil, errors.New("offline")
}

func TestClientSendsThroughConfiguredDoer(t *testing.T) {
	rt := &recordingTransport{}
	hc := &http.Client{Transport: userAgent{base: rt}}
	stc := newClient(RunConfig{MaxConnections: 2}.withDefaults(), hc)

	if _, err := stc.FetchUserInfoContext(context.Background()); err == nil {
		t.Fatalf("expected the transport error")
	}
	if _, err := stc.FetchServerListContext(context.Background()); err == nil {
		t.Fatalf("expected the transport error")
	}
	if n := rt.calls.Load(); n < 2 {
		t.Fatalf("doer saw %d requests, want at least 2", n)
	}
	if got, _ := rt.agent.Load().(string); got != st.DefaultUserAgent {
		t.Fatalf("user agent = %q", got)
	}
	if _, ok := hc.Transport.(userAgent); !ok {
		t.Fatalf("doer transport was replaced: %T", hc.Transport)
	}
}

func TestRunHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewRunner(RunConfig{}).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPingCandidatesUsesSpawner(t *testing.T) {
	var spawned atomic.Int32
	r := NewRunner(RunConfig{}, WithSpawner(SpawnerFunc(func(_ string, fn func()) {
		spawned.Add(1)
		go fn()
	})))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := r.pingCandidates(ctx, []*st.Server{{ID: "1"}, {ID: "2"}}, 1)
	if len(got) != 0 {
		t.Fatalf("cancelled pings should yield nothing, got %d", len(got))
	}
	if spawned.Load() != 2 {
		t.Fatalf("spawner used %d times", spawned.Load())
	}
}
