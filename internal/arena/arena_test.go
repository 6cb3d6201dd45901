package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocBumpsWithinBlock(t *testing.T) {
	a := New(nil)
	p1 := a.Alloc(16, 8)
	p2 := a.Alloc(16, 8)
	require.Len(t, p1, 16)
	require.Len(t, p2, 16)
	// Same backing block, so p2 must start where p1 ends.
	p1[0] = 0xAA
	require.NotEqual(t, p1[0], p2[0])
}

func TestAllocGrowsAcrossBlocks(t *testing.T) {
	a := New(nil)
	big := a.Alloc(defaultBlockCapacity*3, 1)
	require.Len(t, big, defaultBlockCapacity*3)
	// nextCap should have at least doubled past the default.
	require.Greater(t, a.nextCap, defaultBlockCapacity*2)
}

func TestFreeLastAllocationRewindsOffset(t *testing.T) {
	a := New(nil)
	before := a.cur.off
	p := a.Alloc(64, 8)
	require.NotEqual(t, before, a.cur.off)
	a.Free(p)
	require.Equal(t, before, a.cur.off)
}

func TestFreeAllReusesFirstBlockBeforeNewOnes(t *testing.T) {
	fl := NewFreeList()
	a := New(fl)
	_ = a.Alloc(defaultBlockCapacity*4, 1) // forces growth past block 1
	require.NotSame(t, a.first, a.cur)

	a.FreeAll()
	require.Same(t, a.first, a.cur)
	require.Equal(t, 0, a.cur.off)

	// Property 5: subsequent allocations reuse the first block before
	// requesting new ones from the parent allocator.
	firstBuf := a.first.buf
	p := a.Alloc(8, 1)
	require.Same(t, &firstBuf[0], &a.first.buf[0])
	require.True(t, len(p) == 8)
}

func TestFreeListCapsRetainedBytes(t *testing.T) {
	fl := NewFreeList()
	a := New(fl)
	_ = a.Alloc(freeListCap*2, 1)
	a.FreeAll()
	require.LessOrEqual(t, fl.totalSize, freeListCap)
}

func TestResizeGrowsLastAllocationInPlace(t *testing.T) {
	a := New(nil)
	p := a.Alloc(8, 1)
	copy(p, []byte("abcdefgh"))
	p2 := a.Resize(p, 16)
	require.Equal(t, "abcdefgh", string(p2[:8]))
}

func TestHighWaterMarkTracksPeakUsage(t *testing.T) {
	a := New(nil)
	a.Alloc(100, 1)
	require.Equal(t, 100, a.HighWaterMark())
	a.Free(a.lastAlloc)
	require.Equal(t, 100, a.HighWaterMark())
	a.FreeAll()
	require.Equal(t, 0, a.HighWaterMark())
}
