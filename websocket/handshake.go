package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WebSocket protocol constants per RFC 6455.
const (
	// websocketGUID is the globally unique identifier for the WebSocket
	// handshake per RFC 6455, section 4.2.2, item 5.4.
	websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// websocketVersion is the WebSocket protocol version per RFC 6455,
	// section 4.2.1, item 6.
	websocketVersion = "13"
)

// Upgrader upgrades an HTTP/1.1 server connection to a WebSocket
// connection per RFC 6455, section 4.2.2. The HTTP/1.1 request itself
// (method, headers, hijacking) is handled by net/http; Upgrader only
// validates the handshake and negotiates extensions.
type Upgrader struct {
	// HandshakeTimeout bounds how long writing the handshake response may
	// take. Zero means no deadline.
	HandshakeTimeout time.Duration

	// Subprotocols lists the server's supported subprotocols, in order of
	// preference.
	Subprotocols []string

	// CheckOrigin returns true if the request's Origin header is
	// acceptable. The default rejects cross-origin requests per RFC 6455,
	// section 10.2, unless the Origin header is absent (non-browser client).
	CheckOrigin func(r *http.Request) bool

	// Error builds the HTTP error response for a failed handshake. The
	// default writes reason.Error() as a plain text body.
	Error func(w http.ResponseWriter, r *http.Request, status int, reason error)

	// Deflate enables permessage-deflate negotiation (RFC 7692) using this
	// config as the server's own parameters. A nil Deflate disables
	// compression entirely, regardless of what the client offers.
	Deflate *DeflateConfig

	// ReadLimit caps an assembled message's size on connections this
	// Upgrader produces; 0 disables it (see Config.ReadLimit).
	ReadLimit int64

	// Logger receives structured handshake and connection diagnostics.
	Logger zerolog.Logger
}

func (u *Upgrader) returnError(w http.ResponseWriter, r *http.Request, status int, reason error) {
	if u.Error != nil {
		u.Error(w, r, status, reason)
		return
	}
	http.Error(w, reason.Error(), status)
}

func (u *Upgrader) selectSubprotocol(r *http.Request) string {
	clientProtocols := Subprotocols(r)
	for _, serverProtocol := range u.Subprotocols {
		if slices.Contains(clientProtocols, serverProtocol) {
			return serverProtocol
		}
	}
	return ""
}

// Upgrade hijacks the connection underlying w and completes the
// WebSocket opening handshake per RFC 6455, section 4.2.2, optionally
// negotiating permessage-deflate per RFC 7692.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*Conn, error) {
	if !IsWebSocketUpgrade(r) {
		u.returnError(w, r, http.StatusBadRequest, ErrBadHandshake)
		return nil, ErrBadHandshake
	}
	if r.Method != http.MethodGet {
		u.returnError(w, r, http.StatusMethodNotAllowed, ErrBadHandshake)
		return nil, ErrBadHandshake
	}
	if !strings.EqualFold(r.Header.Get("Sec-WebSocket-Version"), websocketVersion) {
		u.returnError(w, r, http.StatusBadRequest, errors.New("websocket: unsupported version"))
		return nil, ErrBadHandshake
	}

	checkOrigin := u.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = checkSameOrigin
	}
	if !checkOrigin(r) {
		u.returnError(w, r, http.StatusForbidden, errors.New("websocket: origin not allowed"))
		return nil, ErrBadHandshake
	}

	challengeKey := r.Header.Get("Sec-WebSocket-Key")
	if challengeKey == "" {
		u.returnError(w, r, http.StatusBadRequest, errors.New("websocket: missing Sec-WebSocket-Key"))
		return nil, ErrBadHandshake
	}

	subprotocol := u.selectSubprotocol(r)

	var ext Extension
	var extHeaderValue string
	if u.Deflate != nil {
		cfg := *u.Deflate
		d := NewDeflateExtension(cfg).(*deflateExtension)
		respHeader := make(http.Header)
		if err := d.OnReceiveRequest(r, respHeader); err != nil {
			u.returnError(w, r, http.StatusBadRequest, err)
			return nil, err
		}
		if d.Enabled() {
			ext = d
			extHeaderValue = respHeader.Get("Sec-WebSocket-Extensions")
		}
	}

	h, ok := w.(http.Hijacker)
	if !ok {
		err := errors.New("websocket: response does not implement http.Hijacker")
		u.returnError(w, r, http.StatusInternalServerError, err)
		return nil, err
	}

	netConn, brw, err := h.Hijack()
	if err != nil {
		u.returnError(w, r, http.StatusInternalServerError, err)
		return nil, err
	}

	if u.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Now().Add(u.HandshakeTimeout))
	}

	buf := brw.Writer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	buf.WriteString("Sec-WebSocket-Accept: ")
	buf.WriteString(computeAcceptKey(challengeKey))
	buf.WriteString("\r\n")

	if subprotocol != "" {
		buf.WriteString("Sec-WebSocket-Protocol: ")
		buf.WriteString(subprotocol)
		buf.WriteString("\r\n")
	}
	if extHeaderValue != "" {
		buf.WriteString("Sec-WebSocket-Extensions: ")
		buf.WriteString(extHeaderValue)
		buf.WriteString("\r\n")
	}

	for k, vs := range responseHeader {
		for _, v := range vs {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")

	if err := buf.Flush(); err != nil {
		netConn.Close()
		return nil, err
	}
	if u.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Time{})
	}

	var reader io.Reader = netConn
	if brw.Reader.Buffered() > 0 {
		reader = brw.Reader
	}

	conn := newConn(netConn, RoleServer, Config{
		Extension:   ext,
		ReadLimit:   u.ReadLimit,
		Logger:      u.Logger,
		Subprotocol: subprotocol,
	})
	conn.ep.r = reader
	return conn, nil
}

// computeAcceptKey computes the Sec-WebSocket-Accept value per RFC 6455,
// section 4.2.2, item 5.4: the base64-encoded SHA-1 hash of the challenge
// key concatenated with the WebSocket GUID.
func computeAcceptKey(challengeKey string) string {
	h := sha1.New()
	h.Write([]byte(challengeKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func checkSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return equalASCIIFold(origin, "http://"+r.Host) || equalASCIIFold(origin, "https://"+r.Host)
}

func equalASCIIFold(s, t string) bool {
	if len(s) != len(t) {
		return false
	}
	for i := 0; i < len(s); i++ {
		sr, tr := s[i], t[i]
		if sr >= 'A' && sr <= 'Z' {
			sr += 'a' - 'A'
		}
		if tr >= 'A' && tr <= 'Z' {
			tr += 'a' - 'A'
		}
		if sr != tr {
			return false
		}
	}
	return true
}

// Subprotocols returns the subprotocols requested by the client in the
// Sec-WebSocket-Protocol header, per RFC 6455, section 11.3.4.
func Subprotocols(r *http.Request) []string {
	h := r.Header.Values("Sec-WebSocket-Protocol")
	if len(h) == 0 {
		return nil
	}
	var protocols []string
	for _, s := range h {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	return protocols
}

// IsWebSocketUpgrade returns true if the client sent a WebSocket upgrade
// request per RFC 6455, section 4.2.1, items 1 and 2.
func IsWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		headerContainsToken(r.Header, "Upgrade", "websocket")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if equalASCIIFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// DefaultDialer is a Dialer with all fields set to their default values.
var DefaultDialer = &Dialer{}

// Dialer contains options for connecting to a WebSocket server over
// HTTP/1.1, per RFC 6455, section 4.1.
type Dialer struct {
	// TLSClientConfig specifies the TLS configuration for wss:// dials. A
	// nil value uses Go's default configuration.
	TLSClientConfig *tls.Config

	// HandshakeTimeout bounds how long the opening handshake may take,
	// including the TCP/TLS dial. Zero means no timeout.
	HandshakeTimeout time.Duration

	// Subprotocols lists the client's requested subprotocols, offered in
	// order of preference.
	Subprotocols []string

	// Deflate enables permessage-deflate negotiation (RFC 7692) using this
	// config as the client's offered parameters. Nil disables compression.
	Deflate *DeflateConfig

	// ReadLimit caps an assembled message's size on connections this
	// Dialer produces; 0 disables it (see Config.ReadLimit).
	ReadLimit int64

	// Logger receives structured handshake and connection diagnostics.
	Logger zerolog.Logger
}

// Dial creates a new client connection, equivalent to DialContext with
// context.Background().
func (d *Dialer) Dial(urlStr string, requestHeader http.Header) (*Conn, *http.Response, error) {
	return d.DialContext(context.Background(), urlStr, requestHeader)
}

// DialContext creates a new client connection to urlStr ("ws://" or
// "wss://"), performing the RFC 6455, section 4.1 opening handshake.
func (d *Dialer) DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*Conn, *http.Response, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, nil, errors.New("websocket: unsupported scheme " + u.Scheme)
	}

	deadline := time.Time{}
	if d.HandshakeTimeout > 0 {
		deadline = time.Now().Add(d.HandshakeTimeout)
	}

	netConn, err := d.dialNet(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	if !deadline.IsZero() {
		if err := netConn.SetDeadline(deadline); err != nil {
			netConn.Close()
			return nil, nil, err
		}
	}

	conn, resp, err := d.handshake(netConn, u, requestHeader)
	if err != nil {
		netConn.Close()
		return nil, resp, err
	}

	if !deadline.IsZero() {
		if err := netConn.SetDeadline(time.Time{}); err != nil {
			conn.Close()
			return nil, resp, err
		}
	}
	return conn, resp, nil
}

func (d *Dialer) dialNet(ctx context.Context, u *url.URL) (net.Conn, error) {
	hostPort := hostPortFromURL(u)
	var dialer net.Dialer

	if u.Scheme != "https" {
		return dialer.DialContext(ctx, "tcp", hostPort)
	}

	rawConn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, err
	}

	cfg := d.TLSClientConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.Hostname()
	}

	tlsConn := tls.Client(rawConn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// handshake writes the opening handshake request directly to netConn and
// validates the server's response, per RFC 6455, section 4.1/4.2.2.
func (d *Dialer) handshake(netConn net.Conn, u *url.URL, requestHeader http.Header) (*Conn, *http.Response, error) {
	challengeKey, err := generateChallengeKey()
	if err != nil {
		return nil, nil, err
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}
	for k, vs := range requestHeader {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", challengeKey)
	req.Header.Set("Sec-WebSocket-Version", websocketVersion)
	if len(d.Subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(d.Subprotocols, ", "))
	}

	var offeredExt *deflateExtension
	if d.Deflate != nil {
		offeredExt = NewDeflateExtension(*d.Deflate).(*deflateExtension)
		offeredExt.OnMakeRequest(req)
	}

	if err := req.Write(netConn); err != nil {
		return nil, nil, err
	}

	br := bufio.NewReader(netConn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, nil, err
	}

	conn, err := d.finishHandshake(netConn, br, resp, challengeKey, offeredExt)
	return conn, resp, err
}

func (d *Dialer) finishHandshake(netConn net.Conn, br *bufio.Reader, resp *http.Response, challengeKey string, offeredExt *deflateExtension) (*Conn, error) {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, ErrBadHandshake
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return nil, ErrBadHandshake
	}
	if !strings.EqualFold(resp.Header.Get("Connection"), "upgrade") {
		return nil, ErrBadHandshake
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != computeAcceptKey(challengeKey) {
		return nil, ErrBadHandshake
	}

	subprotocol := resp.Header.Get("Sec-WebSocket-Protocol")
	if subprotocol != "" && len(d.Subprotocols) > 0 && !slices.Contains(d.Subprotocols, subprotocol) {
		return nil, ErrBadHandshake
	}

	var ext Extension
	if offeredExt != nil && resp.Header.Get("Sec-WebSocket-Extensions") != "" {
		if err := offeredExt.OnResponse(resp.Header); err != nil {
			return nil, err
		}
		if offeredExt.Enabled() {
			ext = offeredExt
		}
	}

	var reader io.Reader = netConn
	if br.Buffered() > 0 {
		reader = br
	}

	conn := newConn(netConn, RoleClient, Config{
		Extension:   ext,
		ReadLimit:   d.ReadLimit,
		Logger:      d.Logger,
		Subprotocol: subprotocol,
	})
	conn.ep.r = reader
	return conn, nil
}

func hostPortFromURL(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

// generateChallengeKey generates the 16-byte random, base64-encoded
// Sec-WebSocket-Key per RFC 6455, section 4.1.
func generateChallengeKey() (string, error) {
	key := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
