package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rduvall/evhttp/internal/headers"
)

// SameSite is Cookie's SameSite attribute (spec.md §3 lists it among the
// cookie fields a response writer must serialize).
type SameSite int

const (
	SameSiteDefault SameSite = iota
	SameSiteLax
	SameSiteStrict
	SameSiteNone
)

// Cookie mirrors net/http.Cookie's field set closely enough that
// handlers written against the standard library port over unchanged.
type Cookie struct {
	Name        string
	Value       string
	Domain      string
	Path        string
	Expires     time.Time
	MaxAge      int
	Secure      bool
	HttpOnly    bool
	Partitioned bool
	SameSite    SameSite
}

func (c *Cookie) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	b.WriteString(c.Value)
	if c.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(c.Path)
	}
	if c.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(c.Domain)
	}
	if !c.Expires.IsZero() {
		b.WriteString("; Expires=")
		b.WriteString(c.Expires.UTC().Format(http1TimeFormat))
	}
	if c.MaxAge > 0 {
		b.WriteString("; Max-Age=")
		b.WriteString(strconv.Itoa(c.MaxAge))
	} else if c.MaxAge < 0 {
		b.WriteString("; Max-Age=0")
	}
	if c.HttpOnly {
		b.WriteString("; HttpOnly")
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.Partitioned {
		b.WriteString("; Partitioned")
	}
	switch c.SameSite {
	case SameSiteLax:
		b.WriteString("; SameSite=Lax")
	case SameSiteStrict:
		b.WriteString("; SameSite=Strict")
	case SameSiteNone:
		b.WriteString("; SameSite=None")
	}
	return b.String()
}

// http1TimeFormat is the wire format RFC 7231 §7.1.1.1 requires for
// Date and Cookie Expires values.
const http1TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// ResponseWriter is handed to handlers. Header/WriteHeader/Write follow
// net/http's contract: the first Write (or an explicit WriteHeader) locks
// in status and headers, at which point the server decides between
// Content-Length and chunked framing per spec.md §4.5.
type ResponseWriter interface {
	Header() *headers.Map
	WriteHeader(status int)
	Write(p []byte) (int, error)
	SetCookie(c *Cookie)
	Flush()
}

// responseWriter is the concrete streaming writer threaded through the
// connection state machine's In_Handler/Writing states. It never buffers
// the whole body: once headers are committed it either frames each Write
// as one chunk (chunked) or streams straight through (content-length /
// close-delimited), mirroring the teacher's chunkWriter split between
// "header phase" and "body phase".
type responseWriter struct {
	conn   *connection
	req    *Request
	header *headers.Map
	status int

	wroteHeader bool
	chunking    bool
	closeAfterReply bool

	contentLength int64 // -1 if unknown when headers committed
	written       int64

	isHead bool
}

func newResponseWriter(c *connection, req *Request) *responseWriter {
	return &responseWriter{
		conn:          c,
		req:           req,
		header:        headers.New(),
		status:        200,
		contentLength: -1,
		isHead:        req.Method == MethodHEAD,
	}
}

func (w *responseWriter) Header() *headers.Map { return w.header }

func (w *responseWriter) SetCookie(c *Cookie) {
	w.header.Add("Set-Cookie", c.String())
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.commit(nil)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.commit(p)
	}
	if w.isHead {
		return len(p), nil
	}
	if len(p) == 0 {
		return 0, nil
	}
	if w.chunking {
		if err := w.conn.writeAll([]byte(fmt.Sprintf("%x\r\n", len(p)))); err != nil {
			return 0, err
		}
		if err := w.conn.writeAll(p); err != nil {
			return 0, err
		}
		if err := w.conn.writeAll(crlf); err != nil {
			return 0, err
		}
		w.written += int64(len(p))
		return len(p), nil
	}
	if err := w.conn.writeAll(p); err != nil {
		return 0, err
	}
	w.written += int64(len(p))
	return len(p), nil
}

var crlf = []byte("\r\n")

// commit decides framing and flushes the status line + headers, exactly
// once, per spec.md §4.5 step 1-2. p is the first chunk of body the
// caller is about to write (possibly nil); commit does not inspect it, so
// Content-Length is never derived from it.
func (w *responseWriter) commit(p []byte) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	keepAlive := w.conn.server.keepAliveDecision(w.req, w.header, w.status)
	w.closeAfterReply = !keepAlive

	hasCL := w.header.Get("Content-Length") != ""
	hasTE := w.header.Get("Transfer-Encoding") != ""
	bodyAllowed := bodyAllowedForStatus(w.status)

	// Unlike a buffering writer, a streaming writer commits headers before
	// it knows the final body size -- Content-Length is only ever used
	// when the handler set it explicitly; everything else falls through
	// to chunked (HTTP/1.1) or close-delimited (HTTP/1.0) framing.
	if bodyAllowed && !hasCL && !hasTE {
		if w.req.ProtoAtLeast(1, 1) {
			w.header.Set("Transfer-Encoding", "chunked")
			w.chunking = true
		} else {
			w.closeAfterReply = true
		}
	}

	if w.closeAfterReply {
		w.header.Set("Connection", "close")
	} else if !w.req.ProtoAtLeast(1, 1) {
		w.header.Set("Connection", "keep-alive")
	}

	// spec.md §4.7: auto-Date only applies to 2xx/3xx/4xx responses.
	if w.status >= 200 && w.status <= 499 && w.header.Get("Date") == "" {
		w.header.Set("Date", time.Now().UTC().Format(http1TimeFormat))
	}

	buf := []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\n", w.status, statusText(w.status)))
	buf = w.header.WriteTo(buf)
	buf = append(buf, '\r', '\n')
	_ = w.conn.writeAll(buf)
}

func (w *responseWriter) Flush() {
	if !w.wroteHeader {
		w.commit(nil)
	}
}

// finish closes out chunked framing (the terminal 0-length chunk; no
// trailers are written) once the handler returns, per spec.md §4.5 step 5.
func (w *responseWriter) finish() {
	if !w.wroteHeader {
		w.commit(nil)
	}
	if w.chunking {
		_ = w.conn.writeAll([]byte("0\r\n\r\n"))
	}
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == 204, status == 304:
		return false
	}
	return true
}

var statusTexts = map[int]string{
	100: "Continue", 101: "Switching Protocols",
	200: "OK", 201: "Created", 202: "Accepted", 204: "No Content",
	301: "Moved Permanently", 302: "Found", 304: "Not Modified",
	400: "Bad Request", 401: "Unauthorized", 403: "Forbidden", 404: "Not Found",
	405: "Method Not Allowed", 408: "Request Timeout", 413: "Payload Too Large",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error", 501: "Not Implemented", 503: "Service Unavailable",
}

func statusText(code int) string {
	if t, ok := statusTexts[code]; ok {
		return t
	}
	return "Status"
}
