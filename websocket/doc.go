// Package websocket implements the WebSocket protocol frame format and
// state machine defined in RFC 6455, plus the permessage-deflate
// compression extension defined in RFC 7692.
//
// This package provides:
//   - Server-side connection upgrading via Upgrader
//   - Client-side connection dialing via Dialer
//   - Fragmented message assembly and masking per RFC 6455
//   - Per-message compression (permessage-deflate, RFC 7692)
//   - JSON encoding/decoding helpers
//   - Prepared messages for efficient broadcasting
//
// HTTP/2 WebSocket bootstrapping (RFC 8441), automatic reconnection, and
// message routing are out of scope; the HTTP/1.1 handshake itself is
// handled by net/http, with this package taking over once the connection
// is hijacked.
//
// Server Example:
//
//	var upgrader = websocket.Upgrader{}
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    conn, err := upgrader.Upgrade(w, r, nil)
//	    if err != nil {
//	        return
//	    }
//	    defer conn.Close()
//
//	    for {
//	        messageType, p, err := conn.ReadMessage()
//	        if err != nil {
//	            return
//	        }
//	        if err := conn.WriteMessage(messageType, p); err != nil {
//	            return
//	        }
//	    }
//	}
//
// Client Example:
//
//	conn, _, err := websocket.DefaultDialer.Dial("ws://localhost:8080/ws", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	err = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Concurrency:
//
// A Conn supports one concurrent reader and one concurrent writer.
// Applications must ensure that no more than one goroutine calls the
// write methods (WriteMessage, WriteJSON, WritePreparedMessage,
// WriteControl) concurrently, and that no more than one goroutine calls
// the read methods (ReadMessage, ReadJSON) concurrently.
//
// Close may be called concurrently with other methods.
//
// Origin Checking:
//
// Web browsers allow any site to open a WebSocket connection to any other
// site. The server must validate the Origin header to prevent attacks.
// Upgrader calls CheckOrigin to validate the request origin; if nil, it
// uses a safe default that rejects cross-origin requests.
//
// Compression:
//
// Per-message compression is negotiated during the opening handshake when
// Deflate is set on the Upgrader or Dialer. The negotiated parameters
// (context takeover, window bits) follow RFC 7692 and are re-derived for
// every connection; see DeflateConfig.
package websocket
