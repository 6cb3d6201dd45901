package connpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetNewReusesReleasedHandleBeforeGrowing(t *testing.T) {
	p := New[int]()
	h1, v1 := p.GetNew()
	*v1 = 1
	h2, v2 := p.GetNew()
	*v2 = 2
	require.Equal(t, 2, p.Len())

	p.Release(h1)
	h3, v3 := p.GetNew()
	*v3 = 3
	require.Equal(t, h1, h3)
	require.Equal(t, 2, p.Len()) // recycled, no growth
	_ = h2
}

func TestFreeListIsFIFO(t *testing.T) {
	p := New[int]()
	h1, _ := p.GetNew()
	h2, _ := p.GetNew()
	h3, _ := p.GetNew()

	p.Release(h1)
	p.Release(h2)
	p.Release(h3)

	g1, _ := p.GetNew()
	g2, _ := p.GetNew()
	g3, _ := p.GetNew()

	require.Equal(t, h1, g1)
	require.Equal(t, h2, g2)
	require.Equal(t, h3, g3)
}

func TestReleaseTwiceOnSameHandlePanics(t *testing.T) {
	p := New[int]()
	h, _ := p.GetNew()
	p.Release(h)
	require.Panics(t, func() { p.Release(h) })
}

func TestGetOnReleasedHandlePanics(t *testing.T) {
	p := New[int]()
	h, _ := p.GetNew()
	p.Release(h)
	require.Panics(t, func() { p.Get(h) })
}

func TestNoHandleAppearsTwiceInFreeListAfterInterleaving(t *testing.T) {
	p := New[int]()
	var handles []Handle
	for i := 0; i < 5; i++ {
		h, _ := p.GetNew()
		handles = append(handles, h)
	}
	p.Release(handles[1])
	p.Release(handles[3])
	reused1, _ := p.GetNew()
	p.Release(handles[0])
	reused2, _ := p.GetNew()
	reused3, _ := p.GetNew()

	seen := map[Handle]bool{}
	for _, h := range []Handle{reused1, reused2, reused3} {
		require.False(t, seen[h], "handle %d reused twice", h)
		seen[h] = true
	}
}
