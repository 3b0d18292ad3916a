// Package httpapi serves the liveness surface: a JSON health document for
// platform probes and a small HTML status page.
package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

const defaultServiceName = "linear-slack-sync-bot"

// Readiness records whether the Slack event source is connected. It is
// owned by the process lifecycle and only read by the health surface.
type Readiness struct {
	connected atomic.Bool
}

func (r *Readiness) MarkConnected() {
	r.connected.Store(true)
}

func (r *Readiness) MarkDisconnected() {
	r.connected.Store(false)
}

func (r *Readiness) Connected() bool {
	if r == nil {
		return false
	}
	return r.connected.Load()
}

// QueueStats reports the notification backlog.
type QueueStats interface {
	Depth() int
	Capacity() int
}

type ServerConfig struct {
	Readiness *Readiness
	Queue     QueueStats
	Service   string
	StartedAt time.Time
	Now       func() time.Time
}

type Server struct {
	readiness *Readiness
	queue     QueueStats
	service   string
	startedAt time.Time
	now       func() time.Time
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Service == "" {
		cfg.Service = defaultServiceName
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = cfg.Now()
	}
	return &Server{
		readiness: cfg.Readiness,
		queue:     cfg.Queue,
		service:   cfg.Service,
		startedAt: cfg.StartedAt,
		now:       cfg.Now,
	}
}

type healthResponse struct {
	Status         string      `json:"status"`
	SlackConnected bool        `json:"slack_connected"`
	Service        string      `json:"service"`
	Timestamp      string      `json:"timestamp"`
	Uptime         int64       `json:"uptime"`
	QueueDepth     int         `json:"queue_depth"`
	QueueCapacity  int         `json:"queue_capacity"`
	Memory         memoryStats `json:"memory"`
}

type memoryStats struct {
	Alloc      uint64 `json:"alloc"`
	HeapInuse  uint64 `json:"heap_inuse"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	switch {
	case r.URL.Path == "/health" || r.URL.Path == "/healthz":
		s.handleHealth(w)
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		s.handleStatusPage(w)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Not Found"))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter) {
	now := s.now()
	resp := healthResponse{
		Status:         "healthy",
		SlackConnected: s.readiness.Connected(),
		Service:        s.service,
		Timestamp:      now.UTC().Format(time.RFC3339Nano),
		Uptime:         s.uptimeSeconds(now),
		Memory:         readMemoryStats(),
	}
	if s.queue != nil {
		resp.QueueDepth = s.queue.Depth()
		resp.QueueCapacity = s.queue.Capacity()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) uptimeSeconds(now time.Time) int64 {
	return int64(now.Sub(s.startedAt) / time.Second)
}

func readMemoryStats() memoryStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return memoryStats{
		Alloc:      m.Alloc,
		HeapInuse:  m.HeapInuse,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
