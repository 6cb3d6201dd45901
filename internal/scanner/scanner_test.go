package scanner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSource feeds pre-scripted chunks to the scanner, one per Recv
// call, simulating a reactor recv completion.
type fakeSource struct {
	chunks [][]byte
	i      int
}

func (f *fakeSource) Recv(buf []byte, cb func(n int, err error)) {
	if f.i >= len(f.chunks) {
		cb(0, nil) // EOF
		return
	}
	n := copy(buf, f.chunks[f.i])
	f.i++
	cb(n, nil)
}

func TestScanLinesAcrossMultipleReads(t *testing.T) {
	src := &fakeSource{chunks: [][]byte{[]byte("GET / HTTP/1.1\r\n"), []byte("Host: x\r\n\r\n")}}
	s := New(src, 0)
	s.SetSplit(ByLines)

	var got []string
	for i := 0; i < 3; i++ {
		s.Scan(func(tok []byte, err error) {
			require.NoError(t, err)
			got = append(got, string(tok))
		})
	}
	require.Equal(t, []string{"GET / HTTP/1.1", "Host: x", ""}, got)
}

func TestScanTooLongWhenTokenExceedsMax(t *testing.T) {
	// A single recv fills the initial buffer exactly, with no CRLF in
	// sight, and max_token_size equals the buffer size: Too_Long must
	// fire without requesting a further read.
	src := &fakeSource{chunks: [][]byte{make([]byte, initialBufSize)}}
	s := New(src, initialBufSize)
	s.SetSplit(ByLines)

	s.Scan(func(tok []byte, err error) {
		require.Equal(t, ErrTooLong, err)
	})
	require.True(t, s.Done())
}

func TestScanByFixedCountWaitsForEnoughBytes(t *testing.T) {
	src := &fakeSource{chunks: [][]byte{[]byte("he"), []byte("llo")}}
	s := New(src, 0)
	s.SetSplit(ByFixedCount(5))

	s.Scan(func(tok []byte, err error) {
		require.NoError(t, err)
		require.Equal(t, "hello", string(tok))
	})
}

func TestScanAfterDoneReturnsErrDone(t *testing.T) {
	src := &fakeSource{}
	s := New(src, 0)
	s.SetSplit(ByLines)
	s.Scan(func(tok []byte, err error) {
		require.Equal(t, ErrEOF, err)
	})
	s.Scan(func(tok []byte, err error) {
		require.Equal(t, ErrDone, err)
	})
}

func TestResetAllowsReuseAcrossKeepAliveRequests(t *testing.T) {
	src := &fakeSource{chunks: [][]byte{[]byte("first\r\n")}}
	s := New(src, 0)
	s.SetSplit(ByLines)
	s.Scan(func(tok []byte, err error) {
		require.NoError(t, err)
		require.Equal(t, "first", string(tok))
	})

	src.chunks = [][]byte{[]byte("second\r\n")}
	src.i = 0
	s.Reset(ByLines)
	require.False(t, s.Done())
	s.Scan(func(tok []byte, err error) {
		require.NoError(t, err)
		require.Equal(t, "second", string(tok))
	})
}
