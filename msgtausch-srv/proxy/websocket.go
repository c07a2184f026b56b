package proxy

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// isWebSocketUpgradeRequest reports whether r carries a valid WebSocket
// upgrade handshake, per RFC 6455 (the Connection and Upgrade tokens are
// matched case-insensitively and may be comma-separated lists). Delegates
// to gorilla/websocket's handshake validation rather than re-implementing
// the token parsing ad hoc.
func isWebSocketUpgradeRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// webSocketSubprotocols parses the Sec-WebSocket-Protocol request header
// into its comma-separated candidate list.
func webSocketSubprotocols(r *http.Request) []string {
	return websocket.Subprotocols(r)
}
