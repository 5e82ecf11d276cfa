// Package speedtest runs a single speedtest.net measurement with
// showwin/speedtest-go on a dedicated HTTP transport.
package speedtest

import (
	"fmt"
	"time"
)

// Step names the phase of a run that failed.
type Step string

const (
	StepDiscovery Step = "discovery"
	StepSelection Step = "selection"
	StepDownload  Step = "download"
	StepUpload    Step = "upload"
)

// StepError wraps the cause of a failed run with the phase it failed in.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("speedtest %s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

func stepErr(step Step, err error) error { return &StepError{Step: step, Err: err} }

// ServerInfo describes the server the run was measured against.
type ServerInfo struct {
	ID       string
	Name     string
	Sponsor  string
	Country  string
	URL      string
	Host     string
	Lat      float64
	Lon      float64
	Distance float64 // km
	Latency  time.Duration
}

// ClientInfo is what speedtest.net reports about the caller.
type ClientInfo struct {
	IP  string
	Lat float64
	Lon float64
	ISP string
}

// Result is one completed run.
//
// Rates are bits per second, the speedtest.net convention.
type Result struct {
	Timestamp     time.Time
	Server        ServerInfo
	Client        ClientInfo
	DownloadBps   float64
	UploadBps     float64
	Latency       time.Duration
	BytesSent     int64
	BytesReceived int64

	Duration       time.Duration
	CandidateCount int
}
