package results

import (
	"time"

	"speedlog/internal/measure"
)

// Stats summarizes a window of records.
type Stats struct {
	Count       int       `json:"count"`
	AvgDownload float64   `json:"avg_download_mbps"`
	MinDownload float64   `json:"min_download_mbps"`
	MaxDownload float64   `json:"max_download_mbps"`
	AvgUpload   float64   `json:"avg_upload_mbps"`
	MinUpload   float64   `json:"min_upload_mbps"`
	MaxUpload   float64   `json:"max_upload_mbps"`
	AvgPing     float64   `json:"avg_ping_ms"`
	MinPing     float64   `json:"min_ping_ms"`
	MaxPing     float64   `json:"max_ping_ms"`
	First       time.Time `json:"first"`
	Last        time.Time `json:"last"`
}

// Summarize computes Stats over recs. An empty input yields a zero Stats.
func Summarize(recs []measure.Record) Stats {
	var st Stats
	var totalDown, totalUp, totalPing float64

	for i, r := range recs {
		totalDown += r.DownloadMbps
		totalUp += r.UploadMbps
		totalPing += r.PingMs

		if i == 0 {
			st.MinDownload, st.MaxDownload = r.DownloadMbps, r.DownloadMbps
			st.MinUpload, st.MaxUpload = r.UploadMbps, r.UploadMbps
			st.MinPing, st.MaxPing = r.PingMs, r.PingMs
			st.First, st.Last = r.CapturedAt, r.CapturedAt
			continue
		}
		st.MinDownload = min(st.MinDownload, r.DownloadMbps)
		st.MaxDownload = max(st.MaxDownload, r.DownloadMbps)
		st.MinUpload = min(st.MinUpload, r.UploadMbps)
		st.MaxUpload = max(st.MaxUpload, r.UploadMbps)
		st.MinPing = min(st.MinPing, r.PingMs)
		st.MaxPing = max(st.MaxPing, r.PingMs)
		if r.CapturedAt.Before(st.First) {
			st.First = r.CapturedAt
		}
		if r.CapturedAt.After(st.Last) {
			st.Last = r.CapturedAt
		}
	}

	st.Count = len(recs)
	if st.Count == 0 {
		return st
	}
	n := float64(st.Count)
	st.AvgDownload = totalDown / n
	st.AvgUpload = totalUp / n
	st.AvgPing = totalPing / n
	return st
}
