package httpapi

import (
	"fmt"
	"net/http"
)

const statusPageHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Linear-Slack Sync Bot</title>
  <style>
    body { font-family: Arial, sans-serif; margin: 40px; color: #102223; }
    .ok { color: #1f9d88; }
    .wait { color: #e88a3d; }
  </style>
</head>
<body>
  <h1>Linear-Slack Sync Bot</h1>
  <p><strong>HTTP Server:</strong> <span class="ok">Running</span></p>
  <p><strong>Slack Connection:</strong> %s</p>
  <p><strong>Queue:</strong> %d / %d</p>
  <p><strong>Uptime:</strong> %d seconds</p>
  <p><a href="/health">Health Check (JSON)</a></p>
  <hr>
  <p><em>This bot automatically syncs unsynced Linear issues with Slack threads.</em></p>
</body>
</html>
`

func (s *Server) handleStatusPage(w http.ResponseWriter) {
	connection := `<span class="wait">Connecting...</span>`
	if s.readiness.Connected() {
		connection = `<span class="ok">Connected</span>`
	}
	depth, capacity := 0, 0
	if s.queue != nil {
		depth, capacity = s.queue.Depth(), s.queue.Capacity()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, statusPageHTML, connection, depth, capacity, s.uptimeSeconds(s.now()))
}
