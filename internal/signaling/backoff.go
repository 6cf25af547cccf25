package signaling

import "time"

const (
	// MaxReconnectAttempts bounds automatic reconnection. Past the cap the
	// session stays disconnected until the orchestrator restarts it.
	MaxReconnectAttempts = 5

	reconnectBase = time.Second
)

// ReconnectDelay returns the backoff before reconnect attempt n (1-based):
// base doubled per attempt, so 1s, 2s, 4s, 8s, 16s.
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return reconnectBase << (attempt - 1)
}
