package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics stores application metrics
type Metrics struct {
	RequestsTotal      atomic.Uint64
	RequestsInProgress atomic.Int64
	RequestsSuccess    atomic.Uint64
	RequestsFailed     atomic.Uint64
	SessionsCreated    atomic.Uint64
	SessionsProcessing atomic.Int64
	SessionsFailed     atomic.Uint64
	ImagesUploaded     atomic.Uint64
	CardsRecognized    atomic.Uint64
	EntriesCommitted   atomic.Uint64
	StartTime          time.Time
}

var globalMetrics = &Metrics{StartTime: time.Now()}

func IncrementSessions()           { globalMetrics.SessionsCreated.Add(1) }
func IncrementSessionsProcessing() { globalMetrics.SessionsProcessing.Add(1) }
func DecrementSessionsProcessing() { globalMetrics.SessionsProcessing.Add(-1) }
func IncrementSessionsFailed()     { globalMetrics.SessionsFailed.Add(1) }
func AddImagesUploaded(n int)      { globalMetrics.ImagesUploaded.Add(uint64(n)) }
func AddCardsRecognized(n int)     { globalMetrics.CardsRecognized.Add(uint64(n)) }
func AddEntriesCommitted(n int)    { globalMetrics.EntriesCommitted.Add(uint64(n)) }

// GetMetrics returns current metrics
func GetMetrics() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]any{
		"requests_total":       globalMetrics.RequestsTotal.Load(),
		"requests_in_progress": globalMetrics.RequestsInProgress.Load(),
		"requests_success":     globalMetrics.RequestsSuccess.Load(),
		"requests_failed":      globalMetrics.RequestsFailed.Load(),
		"sessions_created":     globalMetrics.SessionsCreated.Load(),
		"sessions_processing":  globalMetrics.SessionsProcessing.Load(),
		"sessions_failed":      globalMetrics.SessionsFailed.Load(),
		"images_uploaded":      globalMetrics.ImagesUploaded.Load(),
		"cards_recognized":     globalMetrics.CardsRecognized.Load(),
		"entries_committed":    globalMetrics.EntriesCommitted.Load(),
		"uptime_seconds":       time.Since(globalMetrics.StartTime).Seconds(),
		"memory": map[string]any{
			"alloc_bytes":       m.Alloc,
			"total_alloc_bytes": m.TotalAlloc,
			"sys_bytes":         m.Sys,
			"num_gc":            m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		globalMetrics.RequestsTotal.Add(1)
		globalMetrics.RequestsInProgress.Add(1)
		defer globalMetrics.RequestsInProgress.Add(-1)

		// Wrap response writer to capture status
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		if wrapped.statusCode >= 200 && wrapped.statusCode < 400 {
			globalMetrics.RequestsSuccess.Add(1)
		} else {
			globalMetrics.RequestsFailed.Add(1)
		}
	})
}

// MetricsHandler returns metrics as JSON, with backend health when a reporter is given.
func MetricsHandler(backends func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := GetMetrics()
		if backends != nil {
			out["vision_backends"] = backends()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
