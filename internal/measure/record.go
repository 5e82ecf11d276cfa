// Package measure defines the flat measurement record shared by the probe,
// the in-memory result store and the durable sinks.
package measure

import "time"

// TimeLayout is the wall-clock format used for system_time in CSV output.
const TimeLayout = "2006-01-02 15:04:05"

// Record is one successful probe outcome.
//
// IMPORTANT: JSON tags double as CSV column names. The column order is fixed by
// the schema table in schema.go, not by struct field order.
type Record struct {
	CapturedAt   time.Time `json:"system_time"`
	DownloadMbps float64   `json:"download"`
	UploadMbps   float64   `json:"upload"`
	PingMs       float64   `json:"ping"`

	ServerURL       string  `json:"server_url"`
	ServerLat       float64 `json:"server_lat"`
	ServerLon       float64 `json:"server_lon"`
	ServerName      string  `json:"server_name"`
	ServerCC        string  `json:"server_cc"`
	ServerID        string  `json:"server_id"`
	ServerDistance  float64 `json:"server_d"`
	ServerLatencyMs float64 `json:"server_latency"`

	// ProviderTimestamp is the backend's own completion time (UTC).
	ProviderTimestamp time.Time `json:"timestamp"`
	BytesSent         int64     `json:"bytes_sent"`
	BytesReceived     int64     `json:"bytes_received"`
	Share             string    `json:"share"`

	ClientIP        string  `json:"client_ip"`
	ClientLat       float64 `json:"client_lat"`
	ClientLon       float64 `json:"client_lon"`
	ClientISP       string  `json:"client_isp"`
	ClientISPRating float64 `json:"client_isprating"`
	ClientRating    float64 `json:"client_rating"`
	ClientISPDlAvg  float64 `json:"client_ispdlavg"`
	ClientISPUlAvg  float64 `json:"client_ispulavg"`
	ClientLoggedIn  bool    `json:"client_loggedin"`
	ClientCountry   string  `json:"client_country"`
}

// Map returns the record keyed by column name. Values keep their Go types.
func (r Record) Map() map[string]any {
	vals := r.Values()
	out := make(map[string]any, len(vals))
	for i, c := range schema {
		out[c.Name] = vals[i]
	}
	return out
}
