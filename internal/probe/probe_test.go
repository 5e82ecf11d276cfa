package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-lab/ndt7-client-go/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedlog/internal/measure"
	"speedlog/pkg/speedtest"
)

type fakeRunner struct {
	res *speedtest.Result
	err error
}

func (f fakeRunner) Run(context.Context) (*speedtest.Result, error) { return f.res, f.err }

var fixedNow = time.Date(2024, 2, 3, 4, 5, 6, 700000000, time.Local)

func clock() time.Time { return fixedNow }

func TestSpeedtestProbeNormalizes(t *testing.T) {
	p := &speedtestProbe{now: clock, runner: fakeRunner{res: &speedtest.Result{
		Timestamp:     time.Date(2024, 2, 3, 3, 6, 0, 0, time.UTC),
		DownloadBps:   2097152,
		UploadBps:     3145728,
		Latency:       15 * time.Millisecond,
		BytesSent:     10,
		BytesReceived: 20,
		Server:        speedtest.ServerInfo{ID: "9", Name: "Paris", Country: "France", URL: "http://x/upload.php", Distance: 2.5, Latency: 15 * time.Millisecond},
		Client:        speedtest.ClientInfo{IP: "203.0.113.9", ISP: "ISP"},
	}}}

	rec, err := p.Measure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Truncate(time.Second), rec.CapturedAt)
	assert.Equal(t, 2.0, rec.DownloadMbps)
	assert.Equal(t, 3.0, rec.UploadMbps)
	assert.Equal(t, 15.0, rec.PingMs)
	assert.Equal(t, "Paris", rec.ServerName)
	assert.Equal(t, "France", rec.ServerCC)
	assert.Equal(t, "", rec.Share)
	assert.Equal(t, int64(20), rec.BytesReceived)
}

func TestSpeedtestProbeMapsSteps(t *testing.T) {
	cases := map[speedtest.Step]Stage{
		speedtest.StepDiscovery: StageDiscovery,
		speedtest.StepSelection: StageSelection,
		speedtest.StepDownload:  StageDownload,
		speedtest.StepUpload:    StageUpload,
	}
	for step, want := range cases {
		cause := errors.New("network down")
		p := &speedtestProbe{now: clock, runner: fakeRunner{err: &speedtest.StepError{Step: step, Err: cause}}}
		rec, err := p.Measure(context.Background())
		require.Error(t, err)
		assert.Equal(t, measure.Record{}, rec)
		assert.Equal(t, want, StageOf(err), "step %s", step)
		assert.ErrorIs(t, err, cause)
	}
}

func TestFailKeepsExistingStage(t *testing.T) {
	assert.NoError(t, Fail(StageUpload, nil))
	inner := Fail(StageDownload, errors.New("x"))
	assert.Equal(t, StageDownload, StageOf(Fail(StageUpload, inner)))
	assert.Equal(t, Stage(""), StageOf(errors.New("plain")))

	var pe *Error
	require.ErrorAs(t, inner, &pe)
	assert.Equal(t, "probe download: x", pe.Error())
}

func TestWithTimeoutBoundsMeasure(t *testing.T) {
	slow := Func(func(ctx context.Context) (measure.Record, error) {
		<-ctx.Done()
		return measure.Record{}, Fail(StageDownload, ctx.Err())
	})
	start := time.Now()
	_, err := WithTimeout(slow, 20*time.Millisecond).Measure(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	assert.NotNil(t, WithTimeout(slow, 0))
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(Config{Driver: "carrier-pigeon"})
	require.Error(t, err)

	p, err := New(Config{Driver: "NDT7", Timeout: time.Second})
	require.NoError(t, err)
	assert.NotNil(t, p)

	p, err = New(Config{})
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestCollectNDT7(t *testing.T) {
	ch := make(chan spec.Measurement, 4)
	ch <- spec.Measurement{
		Origin:         spec.OriginClient,
		ConnectionInfo: &spec.ConnectionInfo{Client: "192.0.2.1:5000", Server: "198.51.100.2:443", UUID: "ndt-abc"},
		AppInfo:        &spec.AppInfo{NumBytes: 1 << 20, ElapsedTime: 500000},
	}
	srv := spec.Measurement{Origin: spec.OriginServer, TCPInfo: &spec.TCPInfo{}}
	srv.TCPInfo.MinRTT = 12000
	ch <- srv
	ch <- spec.Measurement{Origin: spec.OriginClient, AppInfo: &spec.AppInfo{NumBytes: 4 << 20, ElapsedTime: 1000000}}
	close(ch)

	tr := collect(ch)
	assert.Equal(t, int64(4<<20), tr.bytes)
	assert.Equal(t, time.Second, tr.elapsed)
	assert.Equal(t, 12*time.Millisecond, tr.minRTT)
	assert.Equal(t, "ndt-abc", tr.uuid)
	assert.Equal(t, 2, tr.samples)
	assert.Equal(t, float64(32<<20), tr.bitsPerSecond())

	raw := rawFromNDT7("ndt.example.net", tr, transfer{bytes: 1 << 20, elapsed: time.Second})
	rec := measure.Normalize(raw, fixedNow)
	assert.Equal(t, 32.0, rec.DownloadMbps)
	assert.Equal(t, 8.0, rec.UploadMbps)
	assert.Equal(t, 12.0, rec.PingMs)
	assert.Equal(t, "ndt-abc", rec.Share)
	assert.Equal(t, "192.0.2.1", rec.ClientIP)
	assert.Equal(t, "198.51.100.2", rec.ServerID)
	assert.Equal(t, "wss://ndt.example.net/ndt/v7/download", rec.ServerURL)
}
