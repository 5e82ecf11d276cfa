package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/ndt7-client-go"
	"github.com/m-lab/ndt7-client-go/spec"

	"speedlog/internal/measure"
	logx "speedlog/pkg/logx"
)

const (
	ndt7ClientName    = "speedlog"
	ndt7ClientVersion = "1.0.0"
	ndt7DownloadPath  = "/ndt/v7/download"
)

var errNoMeasurements = errors.New("no measurements received")

// ndt7Probe measures against M-Lab. An empty server means "ask locate".
// The download UUID is used as the share token.
type ndt7Probe struct {
	server string
	now    func() time.Time
	log    logx.Logger
}

// transfer is the client-side view of one ndt7 stream.
type transfer struct {
	bytes   int64
	elapsed time.Duration
	minRTT  time.Duration
	client  string
	server  string
	uuid    string
	samples int
}

func (t transfer) bitsPerSecond() float64 {
	if t.elapsed <= 0 {
		return 0
	}
	return float64(t.bytes) * 8 / t.elapsed.Seconds()
}

func (p *ndt7Probe) Measure(ctx context.Context) (measure.Record, error) {
	started := p.now()

	c := ndt7.NewClient(ndt7ClientName, ndt7ClientVersion)
	c.Server = p.server
	c.Dialer = websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
	}

	down, err := p.run(ctx, c, StageDownload, c.StartDownload)
	if err != nil {
		return measure.Record{}, err
	}
	up, err := p.run(ctx, c, StageUpload, c.StartUpload)
	if err != nil {
		return measure.Record{}, err
	}

	p.log.Debug("ndt7 done", logx.String("server", c.FQDN), logx.String("uuid", down.uuid))
	return measure.Normalize(rawFromNDT7(c.FQDN, down, up), started), nil
}

func (p *ndt7Probe) run(
	ctx context.Context, c *ndt7.Client, stage Stage,
	start func(context.Context) (<-chan spec.Measurement, error),
) (transfer, error) {
	ch, err := start(ctx)
	if err != nil {
		// Without a server the client had to locate one first.
		if p.server == "" && c.FQDN == "" {
			return transfer{}, Fail(StageDiscovery, err)
		}
		return transfer{}, Fail(stage, err)
	}
	t := collect(ch)
	if err := ctx.Err(); err != nil {
		return transfer{}, Fail(stage, err)
	}
	if t.samples == 0 {
		return transfer{}, Fail(stage, errNoMeasurements)
	}
	return t, nil
}

// collect drains ch. Client-origin AppInfo carries the transfer counters;
// server-origin TCPInfo carries the minimum RTT.
func collect(ch <-chan spec.Measurement) transfer {
	var t transfer
	for m := range ch {
		if ci := m.ConnectionInfo; ci != nil {
			t.client, t.server = ci.Client, ci.Server
			if ci.UUID != "" {
				t.uuid = ci.UUID
			}
		}
		if m.Origin == spec.OriginClient && m.AppInfo != nil {
			t.bytes = m.AppInfo.NumBytes
			t.elapsed = time.Duration(m.AppInfo.ElapsedTime) * time.Microsecond
			t.samples++
		}
		if m.Origin == spec.OriginServer && m.TCPInfo != nil && m.TCPInfo.MinRTT > 0 {
			t.minRTT = time.Duration(m.TCPInfo.MinRTT) * time.Microsecond
		}
	}
	return t
}

func rawFromNDT7(fqdn string, down, up transfer) measure.Raw {
	ping := down.minRTT
	if ping <= 0 {
		ping = up.minRTT
	}
	serverURL := ""
	if fqdn != "" {
		serverURL = "wss://" + fqdn + ndt7DownloadPath
	}
	return measure.Raw{
		Timestamp:     time.Now().UTC(),
		DownloadRate:  down.bitsPerSecond(),
		UploadRate:    up.bitsPerSecond(),
		Ping:          ping,
		BytesSent:     up.bytes,
		BytesReceived: down.bytes,
		Share:         down.uuid,
		Server: measure.Server{
			URL:     serverURL,
			Name:    fqdn,
			ID:      hostOnly(down.server),
			Latency: ping,
		},
		Client: measure.Client{IP: hostOnly(down.client)},
	}
}

func hostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
