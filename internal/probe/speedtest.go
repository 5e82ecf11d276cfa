package probe

import (
	"context"
	"errors"
	"time"

	"speedlog/internal/measure"
	"speedlog/pkg/speedtest"
	logx "speedlog/pkg/logx"
)

type speedtestRunner interface {
	Run(ctx context.Context) (*speedtest.Result, error)
}

// speedtestProbe measures against speedtest.net. The backend has no
// shareable result link, so share stays empty.
type speedtestProbe struct {
	runner speedtestRunner
	now    func() time.Time
	log    logx.Logger
}

func (p *speedtestProbe) Measure(ctx context.Context) (measure.Record, error) {
	started := p.now()
	res, err := p.runner.Run(ctx)
	if err != nil {
		return measure.Record{}, Fail(stageForStep(err), err)
	}
	if res == nil {
		return measure.Record{}, Fail(StageDownload, errors.New("empty result"))
	}

	p.log.Debug("speedtest done",
		logx.String("server", res.Server.Sponsor),
		logx.Duration("took", res.Duration),
		logx.Int("candidates", res.CandidateCount))

	return measure.Normalize(rawFromSpeedtest(res), started), nil
}

func stageForStep(err error) Stage {
	var se *speedtest.StepError
	if !errors.As(err, &se) {
		return StageDiscovery
	}
	switch se.Step {
	case speedtest.StepSelection:
		return StageSelection
	case speedtest.StepDownload:
		return StageDownload
	case speedtest.StepUpload:
		return StageUpload
	default:
		return StageDiscovery
	}
}

func rawFromSpeedtest(res *speedtest.Result) measure.Raw {
	return measure.Raw{
		Timestamp:     res.Timestamp,
		DownloadRate:  res.DownloadBps,
		UploadRate:    res.UploadBps,
		Ping:          res.Latency,
		BytesSent:     res.BytesSent,
		BytesReceived: res.BytesReceived,
		Server: measure.Server{
			URL:      res.Server.URL,
			Lat:      res.Server.Lat,
			Lon:      res.Server.Lon,
			Name:     res.Server.Name,
			CC:       res.Server.Country,
			ID:       res.Server.ID,
			Distance: res.Server.Distance,
			Latency:  res.Server.Latency,
		},
		Client: measure.Client{
			IP:  res.Client.IP,
			Lat: res.Client.Lat,
			Lon: res.Client.Lon,
			ISP: res.Client.ISP,
		},
	}
}
