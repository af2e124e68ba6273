package bolt

import "time"

// Hints carries the server's connection advice from the HELLO response.
// Everything here is optional; zero values mean "no advice".
type Hints struct {
	// RecvTimeout is the server's suggested cap on waiting for any single
	// response ("connection.recv_timeout_seconds").
	RecvTimeout time.Duration
	// MaxIdle is the server's suggested idle lifetime before a liveness
	// probe ("connection.max_idle_seconds").
	MaxIdle time.Duration
}

// parseHints extracts hints from HELLO SUCCESS metadata.
func parseHints(meta map[string]any) Hints {
	var h Hints
	raw, ok := meta["hints"].(map[string]any)
	if !ok {
		return h
	}
	if secs, ok := asInt(raw["connection.recv_timeout_seconds"]); ok && secs > 0 {
		h.RecvTimeout = time.Duration(secs) * time.Second
	}
	if secs, ok := asInt(raw["connection.max_idle_seconds"]); ok && secs > 0 {
		h.MaxIdle = time.Duration(secs) * time.Second
	}
	return h
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
