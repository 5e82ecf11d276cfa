package measure

import (
	"math"
	"time"
)

// RateDivisor converts a provider rate into the Mb/s figure stored in records.
const RateDivisor = 1048576

// Server is the measurement server as reported by a probe backend.
type Server struct {
	URL      string
	Lat      float64
	Lon      float64
	Name     string
	CC       string
	ID       string
	Distance float64
	Latency  time.Duration
}

// Client is the local endpoint as reported by a probe backend.
type Client struct {
	IP        string
	Lat       float64
	Lon       float64
	ISP       string
	ISPRating float64
	Rating    float64
	ISPDlAvg  float64
	ISPUlAvg  float64
	LoggedIn  bool
	Country   string
}

// Raw is the nested, backend-shaped result of one probe.
//
// DownloadRate and UploadRate are in the provider's native unit (bits per
// second for both supported backends); Normalize divides them by RateDivisor.
type Raw struct {
	Timestamp     time.Time
	DownloadRate  float64
	UploadRate    float64
	Ping          time.Duration
	BytesSent     int64
	BytesReceived int64
	Share         string
	Server        Server
	Client        Client
}

// ToMbps converts a raw provider rate to Mb/s rounded to two decimals.
// Negative and NaN rates clamp to zero.
func ToMbps(rate float64) float64 {
	if math.IsNaN(rate) || rate <= 0 {
		return 0
	}
	return round2(rate / RateDivisor)
}

// Normalize flattens a raw probe result. capturedAt is truncated to whole
// seconds.
func Normalize(raw Raw, capturedAt time.Time) Record {
	ts := raw.Timestamp
	if !ts.IsZero() {
		ts = ts.UTC()
	}
	return Record{
		CapturedAt:   capturedAt.Truncate(time.Second),
		DownloadMbps: ToMbps(raw.DownloadRate),
		UploadMbps:   ToMbps(raw.UploadRate),
		PingMs:       durationMs(raw.Ping),

		ServerURL:       raw.Server.URL,
		ServerLat:       raw.Server.Lat,
		ServerLon:       raw.Server.Lon,
		ServerName:      raw.Server.Name,
		ServerCC:        raw.Server.CC,
		ServerID:        raw.Server.ID,
		ServerDistance:  raw.Server.Distance,
		ServerLatencyMs: durationMs(raw.Server.Latency),

		ProviderTimestamp: ts,
		BytesSent:         raw.BytesSent,
		BytesReceived:     raw.BytesReceived,
		Share:             raw.Share,

		ClientIP:        raw.Client.IP,
		ClientLat:       raw.Client.Lat,
		ClientLon:       raw.Client.Lon,
		ClientISP:       raw.Client.ISP,
		ClientISPRating: raw.Client.ISPRating,
		ClientRating:    raw.Client.Rating,
		ClientISPDlAvg:  raw.Client.ISPDlAvg,
		ClientISPUlAvg:  raw.Client.ISPUlAvg,
		ClientLoggedIn:  raw.Client.LoggedIn,
		ClientCountry:   raw.Client.Country,
	}
}

func durationMs(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return round2(float64(d) / float64(time.Millisecond))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
