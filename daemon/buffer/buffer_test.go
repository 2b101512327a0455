package buffer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndnstream/backend/internal/media"
)

func rep(id string, bandwidth uint64, seconds uint64, deps string) *media.Representation {
	return &media.Representation{
		ID:           id,
		Bandwidth:    bandwidth,
		DependencyID: deps,
		SegmentList:  &media.SegmentList{Duration: seconds, Timescale: 1},
	}
}

func TestBuffer_CapacityRejectsThirtyFirstSecond(t *testing.T) {
	b := New(30, false)
	assert.Equal(t, 30.0, b.Capacity())
	r := rep("low", 250_000, 1, "")
	for i := 0; i < 30; i++ {
		require.NoError(t, b.Admit(i, r, 1e6), "segment %d", i)
	}
	err := b.Admit(30, r, 1e6)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, 30.0, b.BufferedSeconds())
	assert.False(t, b.HasCapacity(r))
}

func TestBuffer_AggregateCapacityAcrossRepresentations(t *testing.T) {
	b := New(4, false)
	low, high := rep("low", 1, 2, ""), rep("high", 2, 2, "")
	require.NoError(t, b.Admit(0, low, 0))
	require.NoError(t, b.Admit(1, high, 0))
	assert.Error(t, b.Admit(2, low, 0))
	assert.Equal(t, 2.0, b.RepresentationSeconds("low"))
	assert.Equal(t, 1.0, b.BufferedPercentage(), "both representations count against one capacity")
}

func TestBuffer_LayeredRequiresDependencies(t *testing.T) {
	b := New(10, true)
	base := rep("L0", 500_000, 2, "")
	enh := rep("L1", 1_000_000, 2, "L0")
	top := rep("L2", 2_000_000, 2, "L0 L1")

	err := b.Admit(0, enh, 0)
	require.ErrorIs(t, err, ErrRejected)

	require.NoError(t, b.Admit(0, base, 0))
	require.ErrorIs(t, b.Admit(0, top, 0), ErrRejected, "L1 is still missing")
	require.NoError(t, b.Admit(0, enh, 0))
	require.NoError(t, b.Admit(0, top, 0))

	assert.Equal(t, 2.0, b.BufferedSeconds(), "layers of one segment play once")
	assert.Equal(t, 2.0, b.RepresentationSeconds("L2"))
}

func TestBuffer_LayeredCapacityIsPerRepresentation(t *testing.T) {
	b := New(4, true)
	base := rep("L0", 1, 2, "")
	enh := rep("L1", 2, 2, "L0")
	require.NoError(t, b.Admit(0, base, 0))
	require.NoError(t, b.Admit(1, base, 0))
	assert.False(t, b.HasCapacity(base))
	assert.True(t, b.HasCapacity(enh))
	require.NoError(t, b.Admit(1, enh, 0))
	assert.Equal(t, 0.5, b.RepresentationPercentage("L1"))
}

func TestBuffer_ConsumesFIFOAndPicksHighestLayer(t *testing.T) {
	b := New(30, true)
	base := rep("L0", 1, 2, "")
	enh := rep("L1", 2, 2, "L0")
	require.NoError(t, b.Admit(1, base, 0))
	require.NoError(t, b.Admit(0, base, 100))
	require.NoError(t, b.Admit(0, enh, 200))

	e, ok := b.ConsumeNext()
	require.True(t, ok)
	assert.Equal(t, 0, e.Segment)
	assert.Equal(t, "L1", e.Representation)
	assert.Equal(t, []string{"L0"}, e.Dependencies)
	assert.Equal(t, 200.0, e.ExperiencedBitrate)
	assert.Equal(t, 2.0, b.RepresentationSeconds("L0"), "segment 0 siblings are dropped, segment 1 stays")

	e, ok = b.ConsumeNext()
	require.True(t, ok)
	assert.Equal(t, 1, e.Segment)

	_, ok = b.ConsumeNext()
	assert.False(t, ok)
	assert.Equal(t, 2, b.NextSegmentToConsume())

	assert.ErrorIs(t, b.Admit(1, base, 0), ErrRejected, "consumed segments are rejected")
}

func TestBuffer_WaitsForMissingSegment(t *testing.T) {
	b := New(30, false)
	r := rep("a", 1, 1, "")
	require.NoError(t, b.Admit(1, r, 0))
	_, ok := b.ConsumeNext()
	assert.False(t, ok, "segment 0 has not arrived")
	require.NoError(t, b.Admit(0, r, 0))

	var order []int
	for {
		e, ok := b.ConsumeNext()
		if !ok {
			break
		}
		order = append(order, e.Segment)
	}
	assert.Equal(t, []int{0, 1}, order)
}

func TestBuffer_SkipPassesOverLostSegment(t *testing.T) {
	b := New(30, false)
	r := rep("a", 1, 2, "")
	require.NoError(t, b.Admit(0, r, 0))
	require.NoError(t, b.Admit(2, r, 0))

	assert.False(t, b.Skip(), "segment 0 is buffered")
	_, ok := b.ConsumeNext()
	require.True(t, ok)
	_, ok = b.ConsumeNext()
	require.False(t, ok, "segment 1 never arrived")

	require.True(t, b.Skip())
	assert.Equal(t, 2, b.NextSegmentToConsume())
	e, ok := b.ConsumeNext()
	require.True(t, ok)
	assert.Equal(t, 2, e.Segment)
	assert.ErrorIs(t, b.Admit(1, r, 0), ErrRejected, "a skipped segment arrives too late")
}

func TestBuffer_HighestBufferedSegment(t *testing.T) {
	b := New(30, true)
	base := rep("L0", 1, 1, "")
	enh := rep("L1", 2, 1, "L0")
	_, ok := b.HighestBufferedSegment("L0")
	assert.False(t, ok)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Admit(i, base, 0))
	}
	require.NoError(t, b.Admit(2, enh, 0))

	n, ok := b.HighestBufferedSegment("L0")
	require.True(t, ok)
	assert.Equal(t, 4, n)
	n, _ = b.HighestBufferedSegment("L1")
	assert.Equal(t, 2, n)
	assert.Error(t, b.Admit(2, enh, 0), "duplicates are rejected")
}
