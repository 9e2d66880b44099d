package wsconn

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// Upgrader is the shared gorilla/websocket upgrader for both the agent
// control channel and the client inference socket. Origin checking is left
// to whatever reverse proxy terminates TLS in front of the balancer — the
// spec's Non-goals exclude an authentication layer, and CORS is handled
// at the chi router level on the management and OpenAI-compat surfaces
// (the inference surface carries no CORS middleware).
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
