package speedtest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

// RunConfig controls how a run is executed.
type RunConfig struct {
	// Closest candidates (by distance) to ping before picking one.
	ServerCount int

	// UserConfig passed to speedtest-go.
	SavingMode     bool
	MaxConnections int

	// OperationTimeout tunes the dial timeout of the client every request
	// goes through. It does not wrap the context.
	OperationTimeout time.Duration

	// PingConcurrency caps concurrent latency probes.
	PingConcurrency int

	DisableHTTP2      bool
	DisableKeepAlives bool

	// PostRunFreeOSMemory calls debug.FreeOSMemory after each run.
	PostRunFreeOSMemory bool
}

func (c RunConfig) withDefaults() RunConfig {
	if c.ServerCount <= 0 {
		c.ServerCount = 5
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.PingConcurrency <= 0 {
		c.PingConcurrency = 4
	}
	return c
}

// Runner executes speedtests. It is safe to call Run sequentially; each run
// builds its own client.
type Runner struct {
	cfg     RunConfig
	spawner Spawner
}

// Option customizes a Runner.
type Option func(*Runner)

// WithSpawner runs the ping fan-out on s, so a supervisor can own it.
func WithSpawner(s Spawner) Option { return func(r *Runner) { r.spawner = s } }

// NewRunner constructs a Runner.
func NewRunner(cfg RunConfig, opts ...Option) *Runner {
	r := &Runner{cfg: cfg.withDefaults()}
	for _, o := range opts {
		o(r)
	}
	return r
}

var errNoServers = errors.New("no servers available")

// Run performs discovery, selection, download and upload against the
// lowest-latency nearby server. Failures are *StepError.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := r.cfg

	runCtx, cancelRun := context.WithCancel(ctx)
	ctx = runCtx
	start := time.Now()

	hc, tr := newHTTPClient(cfg)

	stc := newClient(cfg, hc)

	defer func() {
		cancelRun()
		stc.Snapshots().Clean()
		stc.Reset()
		if tr != nil {
			tr.CloseIdleConnections()
		}
		if cfg.PostRunFreeOSMemory {
			debug.FreeOSMemory()
		}
	}()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, stepErr(StepDiscovery, fmt.Errorf("fetch user info: %w", err))
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, stepErr(StepDiscovery, fmt.Errorf("fetch server list: %w", err))
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, stepErr(StepDiscovery, errNoServers)
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidates := servers[:min(cfg.ServerCount, len(servers))]

	pinged := r.pingCandidates(ctx, candidates, cfg.PingConcurrency)
	best := pickFastest(pinged)
	if best == nil {
		if err := ctx.Err(); err != nil {
			return nil, stepErr(StepSelection, err)
		}
		return nil, stepErr(StepSelection, errors.New("all latency tests failed"))
	}

	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, stepErr(StepDownload, err)
	}
	received := stc.GetTotalDownload()

	if err := best.UploadTestContext(ctx); err != nil {
		return nil, stepErr(StepUpload, err)
	}
	sent := stc.GetTotalUpload()

	return &Result{
		Timestamp:      time.Now().UTC(),
		Server:         serverInfo(best),
		Client:         clientInfo(user),
		DownloadBps:    float64(best.DLSpeed) * 8,
		UploadBps:      float64(best.ULSpeed) * 8,
		Latency:        best.Latency,
		BytesSent:      sent,
		BytesReceived:  received,
		Duration:       time.Since(start),
		CandidateCount: len(candidates),
	}, nil
}

func (r *Runner) pingCandidates(ctx context.Context, servers []*st.Server, maxConcurrent int) []*st.Server {
	sem := make(chan struct{}, max(1, maxConcurrent))
	var (
		mu     sync.Mutex
		pinged = make([]*st.Server, 0, len(servers))
		wg     sync.WaitGroup
	)

	launch := func(name string, fn func()) {
		if r.spawner != nil {
			r.spawner.Go(name, fn)
			return
		}
		go fn()
	}

	for i, s := range servers {
		wg.Add(1)
		launch(fmt.Sprintf("speedtest.ping.%d", i), func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
				return
			}
			mu.Lock()
			pinged = append(pinged, s)
			mu.Unlock()
		})
	}
	wg.Wait()
	return pinged
}

// pickFastest returns the lowest-latency server, breaking ties by distance.
func pickFastest(servers []*st.Server) *st.Server {
	var best *st.Server
	for _, s := range servers {
		if s == nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency ||
			(s.Latency == best.Latency && s.Distance < best.Distance) {
			best = s
		}
	}
	return best
}

func serverInfo(s *st.Server) ServerInfo {
	return ServerInfo{
		ID:       s.ID,
		Name:     s.Name,
		Sponsor:  s.Sponsor,
		Country:  s.Country,
		URL:      s.URL,
		Host:     s.Host,
		Lat:      parseCoord(s.Lat),
		Lon:      parseCoord(s.Lon),
		Distance: s.Distance,
		Latency:  s.Latency,
	}
}

func clientInfo(u *st.User) ClientInfo {
	if u == nil {
		return ClientInfo{}
	}
	return ClientInfo{
		IP:  u.IP,
		Lat: parseCoord(u.Lat),
		Lon: parseCoord(u.Lon),
		ISP: u.Isp,
	}
}

// parseCoord reads a latitude/longitude attribute; garbage reads as 0.
func parseCoord(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// newClient builds a speedtest instance whose requests all go through hc.
// Package-level speedtest helpers keep global state, so each run gets one.
func newClient(cfg RunConfig, hc *http.Client) *st.Speedtest {
	stc := st.New(
		st.WithUserConfig(&st.UserConfig{
			SavingMode:     cfg.SavingMode,
			MaxConnections: cfg.MaxConnections,
		}),
		// Must come after WithUserConfig, which rewires the doer's transport.
		st.WithDoer(hc),
	)
	if !cfg.SavingMode {
		stc.SetNThread(cfg.MaxConnections)
	}
	return stc
}

// userAgent sets the header the library's own transport would have set.
type userAgent struct{ base http.RoundTripper }

func (u userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", st.DefaultUserAgent)
	return u.base.RoundTrip(req)
}

func newHTTPClient(cfg RunConfig) (*http.Client, *http.Transport) {
	dialTimeout := 10 * time.Second
	if cfg.OperationTimeout > 0 {
		dialTimeout = min(dialTimeout, cfg.OperationTimeout/2)
		dialTimeout = max(dialTimeout, 2*time.Second)
	}

	keepAlive := 30 * time.Second
	if cfg.DisableKeepAlives {
		keepAlive = -1
	}
	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		IdleConnTimeout:       2 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
	}
	if cfg.DisableHTTP2 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	if !cfg.DisableKeepAlives {
		tr.MaxIdleConns = 64
		tr.MaxIdleConnsPerHost = max(2, cfg.MaxConnections)
		tr.IdleConnTimeout = 10 * time.Second
	}
	return &http.Client{Transport: userAgent{base: tr}}, tr
}
