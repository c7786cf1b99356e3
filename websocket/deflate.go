// Permessage-deflate extension (RFC 7692), backed by
// klauspost/compress/flate for its configurable compression window. Each
// decompressor pools its flate.Reader instances with sync.Pool; each
// compressor owns a single flate.Writer.
package websocket

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
)

const deflateExtensionName = "permessage-deflate"

// deflateTrailer is the 4-byte DEFLATE empty-block SYNC flush suffix
// (RFC 7692, section 7.2.1) that permessage-deflate always strips from
// compressed output and re-appends before decompressing.
var deflateTrailer = [4]byte{0x00, 0x00, 0xFF, 0xFF}

// Compression levels, mirroring compress/flate's constants.
const (
	CompressionFast    = flate.BestSpeed
	CompressionBest    = flate.BestCompression
	CompressionDefault = flate.DefaultCompression
)

// DeflateConfig configures a permessage-deflate extension instance.
type DeflateConfig struct {
	// MaxMessageSize caps a decompressed message's size; 0 means no cap.
	// DefaultMaxMessageSize is NOT applied automatically here - callers
	// wanting that default should set it explicitly.
	MaxMessageSize int64

	// MaxWindowBits is this endpoint's own compression window, 9-15.
	MaxWindowBits int

	// RequestNoContextTakeover asks the peer to reset its compressor
	// between messages (client offering server_no_context_takeover, or
	// server requiring client_no_context_takeover).
	RequestNoContextTakeover bool

	// AcceptNoContextTakeover allows honoring a peer's no-context-takeover
	// request instead of declining it.
	AcceptNoContextTakeover bool

	// FragmentsCapacity is the initial reserve for accumulating fragments
	// of a compressed multi-frame message.
	FragmentsCapacity int

	// FragmentsGrow, if false, makes exceeding FragmentsCapacity an error
	// instead of reallocating.
	FragmentsGrow bool

	// CompressionLevel is passed to the DEFLATE encoder (flate.BestSpeed
	// .. flate.BestCompression, or flate.DefaultCompression). It is not
	// applied while a window smaller than 15 bits is in use: that encoder
	// is built with flate.NewWriterWindow, which takes no level.
	CompressionLevel int

	// compressReset/decompressReset are negotiated, not configured by the
	// caller directly; they are set by OnReceiveRequest/OnResponse based
	// on RequestNoContextTakeover/AcceptNoContextTakeover and the peer's
	// offer.
	compressReset   bool
	decompressReset bool
}

// DefaultMaxMessageSize is the default cap on an assembled message's size.
const DefaultMaxMessageSize = 64 * 1024 * 1024

// DefaultDeflateConfig returns sensible permessage-deflate defaults.
func DefaultDeflateConfig() DeflateConfig {
	return DeflateConfig{
		MaxMessageSize:          DefaultMaxMessageSize,
		MaxWindowBits:           15,
		AcceptNoContextTakeover: true,
		FragmentsCapacity:       10,
		FragmentsGrow:           true,
		CompressionLevel:        CompressionBest,
	}
}

// deflateExtension implements Extension with RFC 7692 permessage-deflate.
type deflateExtension struct {
	enabled   bool
	config    DeflateConfig
	fragments []Frame

	deflator *deflateCompressor
	inflator *deflateDecompressor

	plain *plainExtension // uncompressed fallback path, used while not enabled
}

// NewDeflateExtension constructs a disabled permessage-deflate extension;
// negotiation (OnMakeRequest/OnReceiveRequest/OnResponse) decides whether
// it becomes enabled.
func NewDeflateExtension(config DeflateConfig) Extension {
	if config.MaxWindowBits == 0 {
		config.MaxWindowBits = 15
	}
	return &deflateExtension{
		config:   config,
		deflator: newDeflateCompressor(config.CompressionLevel, config.MaxWindowBits),
		inflator: newDeflateDecompressor(),
		plain:    newPlainExtension(config.MaxMessageSize),
	}
}

func (d *deflateExtension) Enabled() bool { return d.enabled }

func (d *deflateExtension) RSV1() bool {
	return d.enabled
}

func (d *deflateExtension) decline(header http.Header) {
	d.enabled = false
	header.Del("Sec-WebSocket-Extensions")
}

func windowBitsToken(field string, bits int) string {
	return field + "=" + strconv.Itoa(bits)
}

func parseWindowBits(value string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false
	}
	if n == 8 {
		n = 9 // RFC 7692 section 7.1.2.2: servers offering 8 mean 9.
	}
	return n, n >= 9 && n <= 15
}

// OnMakeRequest builds the client's Sec-WebSocket-Extensions offer per
// RFC 7692, section 7.
func (d *deflateExtension) OnMakeRequest(req *http.Request) {
	var b strings.Builder
	b.WriteString(deflateExtensionName)

	if d.config.MaxWindowBits < 15 {
		b.WriteString("; client_max_window_bits=")
		b.WriteString(strconv.Itoa(d.config.MaxWindowBits))
		b.WriteString("; server_max_window_bits=")
		b.WriteString(strconv.Itoa(d.config.MaxWindowBits))
	} else {
		b.WriteString("; client_max_window_bits")
	}

	if d.config.RequestNoContextTakeover {
		b.WriteString("; server_no_context_takeover")
	}

	req.Header.Add("Sec-WebSocket-Extensions", b.String())
}

// OnReceiveRequest parses the client's offers and writes the chosen
// response parameters, per RFC 7692, section 5. header is the
// in-progress response header set; on success it is given the single
// chosen Sec-WebSocket-Extensions value and d.enabled is set true.
func (d *deflateExtension) OnReceiveRequest(req *http.Request, header http.Header) error {
	for _, offer := range req.Header.Values("Sec-WebSocket-Extensions") {
		resExt, ok, err := d.negotiateOffer(offer, header)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		header.Set("Sec-WebSocket-Extensions", resExt)
		d.enabled = true
		return nil
	}

	d.decline(header)
	return nil
}

// negotiateOffer processes one Sec-WebSocket-Extensions header value. It
// returns the chosen response string and true if this offer was accepted;
// false means "try the next header value", both when the offer was skipped
// and when it was declined (a decline also strips the response's
// extension header). A single unrecognized token aborts the whole header value,
// matching the conservative handling RFC 7692, section 7 expects servers
// to apply to parameters they don't understand.
func (d *deflateExtension) negotiateOffer(offer string, header http.Header) (string, bool, error) {
	var resParts []string
	var sawName, sawServerTakeover, sawClientTakeover, sawServerMax, sawClientMax bool

	declined := false
	decline := func() { declined = true }

	for _, rawParam := range strings.Split(offer, ";") {
		param := strings.TrimSpace(rawParam)
		switch {
		case param == deflateExtensionName:
			sawName = true
			resParts = append(resParts, deflateExtensionName)

		case param == "server_no_context_takeover":
			if sawServerTakeover {
				decline()
				continue
			}
			sawServerTakeover = true
			if d.config.AcceptNoContextTakeover {
				d.config.compressReset = true
				resParts = append(resParts, "server_no_context_takeover")
			}

		case param == "client_no_context_takeover":
			if sawClientTakeover {
				decline()
				continue
			}
			sawClientTakeover = true
			d.config.decompressReset = true
			resParts = append(resParts, "client_no_context_takeover")

		case strings.HasPrefix(param, "server_max_window_bits"):
			if sawServerMax {
				decline()
				continue
			}
			sawServerMax = true
			name, value, hasValue := splitParam(param)
			if !hasValue {
				continue // missing value: accept silently, server picks its own window
			}
			bits, valid := parseWindowBits(value)
			if !valid {
				decline()
				continue
			}
			if bits < d.config.MaxWindowBits {
				d.deflator.reinit(d.config.CompressionLevel, bits)
				resParts = append(resParts, name+"="+value)
			}

		case strings.HasPrefix(param, "client_max_window_bits"):
			if sawClientMax {
				decline()
				continue
			}
			sawClientMax = true
			name, value, hasValue := splitParam(param)
			if !hasValue {
				// A valueless offer means the client accepts whatever window
				// the server chooses; nothing to echo here.
				continue
			}
			bits, valid := parseWindowBits(value)
			if !valid {
				decline()
				continue
			}
			// Unlike server_max_window_bits, this is unconditional: any
			// present, valid value is honored and echoed back verbatim.
			d.inflator.reinit(bits)
			resParts = append(resParts, name+"="+value)

		default:
			decline()
		}
	}

	if declined {
		d.decline(header)
		return "", false, nil
	}
	if !sawName {
		return "", false, nil
	}

	res := strings.Join(resParts, "; ")

	if !sawClientTakeover && d.config.RequestNoContextTakeover {
		d.config.decompressReset = true
		res += "; client_no_context_takeover"
	}
	if !strings.Contains(res, "server_max_window_bits") {
		res += "; " + windowBitsToken("server_max_window_bits", d.config.MaxWindowBits)
	}
	if !strings.Contains(res, "client_max_window_bits") && d.config.MaxWindowBits < 15 {
		return "", false, nil
	}

	return res, true, nil
}

func splitParam(param string) (name, value string, hasValue bool) {
	idx := strings.IndexByte(param, '=')
	if idx < 0 {
		return param, "", false
	}
	return strings.TrimSpace(param[:idx]), strings.TrimSpace(param[idx+1:]), true
}

// OnResponse parses the server's chosen Sec-WebSocket-Extensions response
// per RFC 7692, section 7: server_max_window_bits describes the window
// the server itself compresses with, which this endpoint must decode, so
// it reinitializes the decoder; client_max_window_bits confirms the
// window this endpoint must compress with, so it reinitializes the
// encoder.
func (d *deflateExtension) OnResponse(header http.Header) error {
	var sawName, sawServerTakeover, sawClientTakeover, sawServerMax, sawClientMax bool

	for _, value := range header.Values("Sec-WebSocket-Extensions") {
		for _, rawParam := range strings.Split(value, ";") {
			param := strings.TrimSpace(rawParam)
			switch {
			case param == deflateExtensionName:
				if sawName {
					return newExtensionError(NegotiationError, errDuplicateParam(deflateExtensionName))
				}
				sawName = true
				d.enabled = true

			case param == "server_no_context_takeover":
				if sawServerTakeover {
					return newExtensionError(NegotiationError, errDuplicateParam(param))
				}
				sawServerTakeover = true
				d.config.decompressReset = true

			case param == "client_no_context_takeover":
				if sawClientTakeover {
					return newExtensionError(NegotiationError, errDuplicateParam(param))
				}
				sawClientTakeover = true
				if !d.config.AcceptNoContextTakeover {
					return newExtensionError(NegotiationError, errNegotiation("client requires context takeover"))
				}
				d.config.compressReset = true

			case strings.HasPrefix(param, "server_max_window_bits"):
				if sawServerMax {
					return newExtensionError(NegotiationError, errDuplicateParam(param))
				}
				sawServerMax = true
				if err := d.applyPeerWindowBits(param, func(bits int) { d.inflator.reinit(bits) }); err != nil {
					return err
				}

			case strings.HasPrefix(param, "client_max_window_bits"):
				if sawClientMax {
					return newExtensionError(NegotiationError, errDuplicateParam(param))
				}
				sawClientMax = true
				if err := d.applyPeerWindowBits(param, func(bits int) { d.deflator.reinit(d.config.CompressionLevel, bits) }); err != nil {
					return err
				}

			default:
				return newExtensionError(NegotiationError, errUnknownParam(param))
			}
		}
	}

	return nil
}

func (d *deflateExtension) applyPeerWindowBits(param string, apply func(bits int)) error {
	_, value, hasValue := splitParam(param)
	if !hasValue {
		return nil
	}
	bits, valid := parseWindowBits(value)
	if !valid {
		return newExtensionError(NegotiationError, errNegotiation("invalid window bits parameter: "+param))
	}
	if bits != d.config.MaxWindowBits {
		apply(bits)
	}
	return nil
}

// OnSendFrame compresses a data frame's payload per RFC 7692, section 7.2.1.
func (d *deflateExtension) OnSendFrame(f Frame) (Frame, error) {
	if !d.enabled || f.Opcode.IsControl() {
		return f, nil
	}

	compressed, err := d.deflator.compress(f.Payload)
	if err != nil {
		return Frame{}, newExtensionError(DeflateError, err)
	}

	f.Payload = compressed
	f.RSV1 = true

	if d.config.compressReset {
		d.deflator.reset()
	}
	return f, nil
}

// OnReceiveFrame decompresses and assembles an inbound data frame per
// RFC 7692, section 7.2.2.
func (d *deflateExtension) OnReceiveFrame(f Frame) (*Message, bool, error) {
	compressing := d.enabled && (len(d.fragments) > 0 || f.RSV1)
	if !compressing {
		return d.plain.OnReceiveFrame(f)
	}

	if !f.Fin {
		if !d.config.FragmentsGrow && len(d.fragments) == d.config.FragmentsCapacity {
			return nil, false, newExtensionError(DeflateError, errNegotiation("exceeded max fragments"))
		}
		d.fragments = append(d.fragments, f)
		return nil, false, nil
	}

	var opcode OpCode
	var compressed []byte

	if f.Opcode == OpContinuation {
		d.fragments = append(d.fragments, f)
		opcode = d.fragments[0].Opcode
		size := 0
		for _, frag := range d.fragments {
			size += len(frag.Payload)
		}
		compressed = make([]byte, 0, size)
		for _, frag := range d.fragments {
			compressed = append(compressed, frag.Payload...)
		}
		d.fragments = d.fragments[:0]
	} else {
		opcode = f.Opcode
		compressed = f.Payload
	}

	compressed = append(compressed, deflateTrailer[:]...)
	decompressed, err := d.inflator.decompress(compressed)
	if err != nil {
		return nil, false, newExtensionError(InflateError, err)
	}

	if d.config.decompressReset {
		d.inflator.reset()
	}

	im := newIncompleteMessage(opcode, d.config.MaxMessageSize)
	if err := im.Extend(decompressed); err != nil {
		return nil, false, err
	}
	msg, err := im.Complete()
	if err != nil {
		return nil, false, err
	}
	return &msg, true, nil
}

func errDuplicateParam(name string) error {
	return errNegotiation("duplicate extension parameter " + name)
}
func errUnknownParam(param string) error {
	return errNegotiation("unknown permessage-deflate parameter: " + param)
}

type negotiationErr string

func (e negotiationErr) Error() string { return string(e) }

func errNegotiation(msg string) error { return negotiationErr(msg) }

// deflateCompressor wraps a klauspost/compress/flate.Writer with
// SYNC-flush, trailer-stripped output.
type deflateCompressor struct {
	mu    sync.Mutex
	level int
	bits  int
	buf   bytes.Buffer
	fw    *flate.Writer
}

func newDeflateCompressor(level, bits int) *deflateCompressor {
	c := &deflateCompressor{level: level, bits: bits}
	c.fw = newFlateWriter(&c.buf, level, bits)
	return c
}

func newFlateWriter(w io.Writer, level, bits int) *flate.Writer {
	if bits > 0 && bits < 15 {
		if fw, err := flate.NewWriterWindow(w, 1<<uint(bits)); err == nil {
			return fw
		}
	}
	fw, _ := flate.NewWriter(w, level)
	return fw
}

func (c *deflateCompressor) reinit(level, bits int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level, c.bits = level, bits
	c.buf.Reset()
	c.fw = newFlateWriter(&c.buf, level, bits)
}

func (c *deflateCompressor) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Reset()
	c.fw = newFlateWriter(&c.buf, c.level, c.bits)
}

// compress returns data SYNC-flushed and DEFLATE-trailer-stripped, per
// RFC 7692, section 7.2.1.
func (c *deflateCompressor) compress(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Reset()
	if _, err := c.fw.Write(data); err != nil {
		return nil, err
	}
	if err := c.fw.Flush(); err != nil {
		return nil, err
	}

	out := c.buf.Bytes()
	if len(out) >= 4 && bytes.HasSuffix(out, deflateTrailer[:]) {
		out = out[:len(out)-4]
	}
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// deflateDecompressor wraps a flate.Reader with a sync.Pool of decoders
// so a context-takeover connection reuses its inflate window across frames.
type deflateDecompressor struct {
	mu   sync.Mutex
	pool sync.Pool
	bits int
}

func newDeflateDecompressor() *deflateDecompressor {
	return &deflateDecompressor{}
}

func (c *deflateDecompressor) reinit(bits int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bits = bits
	c.pool = sync.Pool{}
}

func (c *deflateDecompressor) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool = sync.Pool{}
}

func (c *deflateDecompressor) decompress(data []byte) ([]byte, error) {
	c.mu.Lock()
	fr, ok := c.pool.Get().(io.ReadCloser)
	c.mu.Unlock()

	// data ends with a non-final SYNC-flush block; an empty final stored
	// block after it lets the reader stop at io.EOF instead of failing
	// with io.ErrUnexpectedEOF.
	src := io.MultiReader(bytes.NewReader(data), bytes.NewReader([]byte{0x01, 0x00, 0x00, 0xff, 0xff}))
	if ok && fr != nil {
		if resetter, ok := fr.(flate.Resetter); ok {
			if err := resetter.Reset(src, nil); err == nil {
				out, err := io.ReadAll(fr)
				c.mu.Lock()
				c.pool.Put(fr)
				c.mu.Unlock()
				return out, err
			}
		}
	}

	fr = flate.NewReader(src)
	out, err := io.ReadAll(fr)
	c.mu.Lock()
	c.pool.Put(fr)
	c.mu.Unlock()
	return out, err
}
