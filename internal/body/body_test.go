package body

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rduvall/evhttp/internal/headers"
	"github.com/rduvall/evhttp/internal/scanner"
)

type fakeSource struct {
	data []byte
	pos  int
}

func (f *fakeSource) Recv(buf []byte, cb func(n int, err error)) {
	if f.pos >= len(f.data) {
		cb(0, nil)
		return
	}
	n := copy(buf, f.data[f.pos:])
	f.pos += n
	cb(n, nil)
}

func TestReadFixedLengthBody(t *testing.T) {
	src := &fakeSource{data: []byte("hello")}
	s := scanner.New(src, 0)
	h := headers.New()
	h.Set("content-length", "5")

	Read(s, h, 1<<20, func(body []byte, err error) {
		require.NoError(t, err)
		require.Equal(t, "hello", string(body))
	})
}

func TestReadFixedLengthTooLong(t *testing.T) {
	src := &fakeSource{data: []byte("hello")}
	s := scanner.New(src, 0)
	h := headers.New()
	h.Set("content-length", "100000")

	Read(s, h, 1000, func(body []byte, err error) {
		require.ErrorIs(t, err, ErrTooLong)
	})
}

func TestReadChunkedBodyWithTrailer(t *testing.T) {
	wire := "5\r\nhello\r\n6\r\n world\r\n0\r\nx-trailer: v\r\n\r\n"
	src := &fakeSource{data: []byte(wire)}
	s := scanner.New(src, 0)
	h := headers.New()
	h.Set("transfer-encoding", "chunked")
	h.Set("trailer", "x-trailer")

	Read(s, h, 1<<20, func(body []byte, err error) {
		require.NoError(t, err)
		require.Equal(t, "hello world", string(body))
	})

	require.Equal(t, "11", h.Get("content-length"))
	require.Equal(t, "v", h.Get("x-trailer"))
	require.False(t, h.Has("trailer"))
	require.False(t, h.Has("transfer-encoding"))
}

func TestReadChunkedRejectsForbiddenTrailerHeader(t *testing.T) {
	wire := "2\r\nhi\r\n0\r\ncontent-type: text/plain\r\n\r\n"
	src := &fakeSource{data: []byte(wire)}
	s := scanner.New(src, 0)
	h := headers.New()
	h.Set("transfer-encoding", "chunked")

	var gotErr error
	Read(s, h, 1<<20, func(body []byte, err error) { gotErr = err })
	require.Error(t, gotErr)
}

func TestReadEmptyBodyWhenNoFramingHeaders(t *testing.T) {
	src := &fakeSource{}
	s := scanner.New(src, 0)
	h := headers.New()

	Read(s, h, 1<<20, func(body []byte, err error) {
		require.NoError(t, err)
		require.Nil(t, body)
	})
}

func TestStatusForMapsErrorsToHTTPStatus(t *testing.T) {
	require.Equal(t, 413, StatusFor(ErrTooLong))
	require.Equal(t, 400, StatusFor(ErrTooShort))
	require.Equal(t, 500, StatusFor(ErrNegativeAdvance))
	require.Equal(t, 400, StatusFor(ErrEOF))
}
