package proxy

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/fallowearthai/chainreactions-gateway/internal/breaker"
	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
	"github.com/fallowearthai/chainreactions-gateway/internal/registry"
	"github.com/fallowearthai/chainreactions-gateway/internal/router"
)

// upgrader upgrades client connections. Origin policy is enforced by
// the CORS middleware before the proxy runs.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWebSocket dials the chosen instance, upgrades the client, and
// relays frames in both directions until either side closes. A dial
// failure counts against the breaker; a completed upgrade counts as
// success regardless of how the session ends.
func (e *Executor) serveWebSocket(w http.ResponseWriter, r *http.Request, rt *router.Route, service string, inst *registry.ServiceInstance, br *breaker.Breaker) {
	backendURL := websocketURL(inst, rt, r)

	dialer := websocket.Dialer{}
	if t, ok := e.transport.(*http.Transport); ok && t.TLSClientConfig != nil {
		dialer.TLSClientConfig = t.TLSClientConfig.Clone()
	}

	backendConn, resp, err := dialer.DialContext(r.Context(), backendURL, websocketRequestHeaders(r))
	if err != nil {
		br.RecordFailure()
		e.logger.Warn("websocket backend dial failed",
			observability.String("service", service),
			observability.String("instance", inst.Key()),
			observability.Error(err),
		)
		if resp != nil {
			defer resp.Body.Close()
			copyResponseHeaders(w.Header(), resp.Header)
			w.WriteHeader(resp.StatusCode)
			return
		}
		WriteError(w, r, http.StatusBadGateway, ReasonUpstreamUnavailable,
			e.upstreamMessage(err), 0)
		return
	}
	defer backendConn.Close()
	br.RecordSuccess()

	clientConn, err := upgrader.Upgrade(w, r, websocketResponseHeaders(resp))
	if err != nil {
		// Upgrade failures are client-side; the upstream already
		// answered the handshake.
		e.logger.Debug("websocket client upgrade failed",
			observability.String("service", service),
			observability.Error(err),
		)
		return
	}
	defer clientConn.Close()

	e.logger.Debug("websocket session established",
		observability.String("service", service),
		observability.String("instance", inst.Key()),
		observability.String("path", r.URL.Path),
	)

	relayWebSocket(clientConn, backendConn)
}

// relayWebSocket copies frames between the two connections until one
// direction fails, then signals a normal close to the other side.
func relayWebSocket(clientConn, backendConn *websocket.Conn) {
	errCh := make(chan error, 2)

	pipe := func(dst, src *websocket.Conn) {
		for {
			msgType, msg, err := src.ReadMessage()
			if err != nil {
				_ = dst.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				errCh <- err
				return
			}
			if err := dst.WriteMessage(msgType, msg); err != nil {
				errCh <- err
				return
			}
		}
	}

	go pipe(clientConn, backendConn)
	go pipe(backendConn, clientConn)

	<-errCh
}

// websocketURL builds the ws/wss URL for the chosen instance, applying
// the route rewrite the same way the HTTP path does.
func websocketURL(inst *registry.ServiceInstance, rt *router.Route, r *http.Request) string {
	scheme := "ws"
	if inst.Protocol == "https" {
		scheme = "wss"
	}

	u := scheme + "://" + inst.Key() + rt.Rewrite(r.URL.Path)
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

// websocketRequestHeaders forwards client headers minus the handshake
// set that gorilla manages itself.
func websocketRequestHeaders(r *http.Request) http.Header {
	header := http.Header{}
	for k, vv := range r.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key",
			"sec-websocket-version", "sec-websocket-extensions",
			"sec-websocket-protocol":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	return header
}

// websocketResponseHeaders forwards backend handshake headers minus the
// ones gorilla sets during the client upgrade.
func websocketResponseHeaders(resp *http.Response) http.Header {
	if resp == nil {
		return nil
	}
	header := http.Header{}
	for k, vv := range resp.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-accept":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	return header
}
