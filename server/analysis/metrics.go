package analysis

import (
	"sync/atomic"
	"time"

	"github.com/san-kum/motion-analysis/server/models"
)

type Metrics struct {
	analyses     atomic.Int64
	failures     atomic.Int64
	remote       atomic.Int64
	local        atomic.Int64
	fallbacks    atomic.Int64
	totalLatency atomic.Int64

	frames        atomic.Int64
	skippedFrames atomic.Int64
	inflight      atomic.Int64
	lastAnalysis  atomic.Int64
}

type MetricsSnapshot struct {
	Analyses       int64   `json:"analyses"`
	Failures       int64   `json:"failures"`
	RemoteAnalyses int64   `json:"remote_analyses"`
	LocalAnalyses  int64   `json:"local_analyses"`
	Fallbacks      int64   `json:"fallbacks"`
	Frames         int64   `json:"frames"`
	SkippedFrames  int64   `json:"skipped_frames"`
	InFlightFrames int64   `json:"in_flight_frames"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	LastAnalysis   int64   `json:"last_analysis"`
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordAnalysis(source string, d time.Duration) {
	m.analyses.Add(1)
	m.totalLatency.Add(d.Milliseconds())
	m.lastAnalysis.Store(time.Now().Unix())
	if source == models.SourceRemote {
		m.remote.Add(1)
	} else {
		m.local.Add(1)
	}
}

func (m *Metrics) RecordFailure() {
	m.failures.Add(1)
}

func (m *Metrics) RecordFallback() {
	m.fallbacks.Add(1)
}

func (m *Metrics) IncrementFrames() {
	m.frames.Add(1)
}

func (m *Metrics) IncrementSkippedFrames() {
	m.skippedFrames.Add(1)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Analyses:       m.analyses.Load(),
		Failures:       m.failures.Load(),
		RemoteAnalyses: m.remote.Load(),
		LocalAnalyses:  m.local.Load(),
		Fallbacks:      m.fallbacks.Load(),
		Frames:         m.frames.Load(),
		SkippedFrames:  m.skippedFrames.Load(),
		InFlightFrames: m.inflight.Load(),
		LastAnalysis:   m.lastAnalysis.Load(),
	}
	if s.Analyses > 0 {
		s.AvgLatencyMs = float64(m.totalLatency.Load()) / float64(s.Analyses)
	}
	return s
}
