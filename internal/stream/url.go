// Package stream follows asynchronous compliance checks over websockets. A
// Tracker owns all per-task state in a single loop goroutine; one reader
// goroutine per socket feeds it, and interested callers subscribe to a
// fan-out of updates.
package stream

import (
	"fmt"
	"strings"
)

// ResolveURL turns the websocket URL reported by the launch endpoint into a
// dialable ws/wss URL. Relative paths resolve against the API base URL with
// the scheme switched (http to ws, https to wss); absolute ws/wss URLs pass
// through untouched.
func ResolveURL(base, wsURL string) (string, error) {
	if strings.HasPrefix(wsURL, "ws://") || strings.HasPrefix(wsURL, "wss://") {
		return wsURL, nil
	}
	var origin string
	switch {
	case strings.HasPrefix(base, "https://"):
		origin = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		origin = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "", fmt.Errorf("cannot derive websocket origin from base URL %q", base)
	}
	origin = strings.TrimRight(origin, "/")
	if !strings.HasPrefix(wsURL, "/") {
		wsURL = "/" + wsURL
	}
	return origin + wsURL, nil
}
