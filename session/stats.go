// Copyright (c) 2021 Nutanix, Inc.
package session

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/nutanix/ncmqtt/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ncmqtt_frames_published_total",
		Help: "Number of frames published, by kind",
	}, []string{"kind"})
	framesConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ncmqtt_frames_consumed_total",
		Help: "Number of inbound frames acted upon, by kind",
	}, []string{"kind"})
	payloadsIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ncmqtt_payloads_ignored_total",
		Help: "Number of inbound payloads that carried nothing for the receiver",
	})
	streamBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ncmqtt_stream_bytes_total",
		Help: "Number of stream bytes moved, by direction",
	}, []string{"direction"})
	frameLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ncmqtt_frame_latency_seconds",
		Help:    "Sender: publish to clear. Receiver: gap between consumed frames.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"role"})
)

func init() {
	metrics.Registry.MustRegister(framesPublished, framesConsumed, payloadsIgnored, streamBytes, frameLatency)
}

// Stats summarises one transfer
type Stats struct {
	role    string
	mtx     sync.Mutex
	frames  uint32
	bytes   uint64
	started time.Time
	hist    *hdrhistogram.Histogram
}

func newStats(role string) *Stats {
	return &Stats{
		role:    role,
		started: time.Now(),
		hist:    hdrhistogram.New(1, int64(time.Hour), 3),
	}
}

func (s *Stats) addFrame(n int) {
	s.mtx.Lock()
	s.frames++
	s.bytes += uint64(n)
	s.mtx.Unlock()
	streamBytes.WithLabelValues(s.role).Add(float64(n))
}

func (s *Stats) observe(d time.Duration) {
	s.mtx.Lock()
	_ = s.hist.RecordValue(int64(d))
	s.mtx.Unlock()
	frameLatency.WithLabelValues(s.role).Observe(d.Seconds())
}

// Frames returns the number of data frames moved
func (s *Stats) Frames() uint32 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.frames
}

// Bytes returns the number of stream bytes moved
func (s *Stats) Bytes() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.bytes
}

// Latency returns the p50 and p99 of the recorded frame latencies
func (s *Stats) Latency() (p50, p99 time.Duration) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return time.Duration(s.hist.ValueAtQuantile(50.)), time.Duration(s.hist.ValueAtQuantile(99.))
}

func (s *Stats) log() {
	p50, p99 := s.Latency()
	elapsed := time.Since(s.started)
	glog.Infof("%s %d frames, %s in %s (p50 %s, p99 %s)",
		s.role, s.Frames(), humanize.Bytes(s.Bytes()), elapsed.Round(time.Millisecond),
		p50.Round(time.Microsecond), p99.Round(time.Microsecond))
}
