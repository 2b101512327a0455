package ndn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndnstream/backend/internal/clock"
)

func TestName_ParseAndString(t *testing.T) {
	n := ParseName("/prefix//video/")
	assert.Equal(t, Name{"prefix", "video"}, n)
	assert.Equal(t, "/prefix/video", n.String())
	assert.Equal(t, "/", Name{}.String())
}

func TestName_ManifestAndSequence(t *testing.T) {
	obj := ParseName("/files/a.bin")
	m := obj.Manifest()
	assert.True(t, m.IsManifest())
	assert.True(t, m.Parent().Equal(obj))

	c := obj.AppendSequence(42)
	assert.False(t, c.IsManifest())
	seq, err := c.Sequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
	assert.Len(t, obj, 2, "append must not alias the receiver")

	_, err = m.Sequence()
	assert.Error(t, err)
}

func TestName_TrimPrefix(t *testing.T) {
	rel, ok := ParseName("/a/b/c").TrimPrefix(ParseName("/a"))
	require.True(t, ok)
	assert.Equal(t, "/b/c", rel.String())
	_, ok = ParseName("/a").TrimPrefix(ParseName("/a/b"))
	assert.False(t, ok)
}

func TestPacket_InterestWire(t *testing.T) {
	in := &Interest{Name: ParseName("/x/y/3"), Nonce: 0xdeadbeef, Lifetime: 250 * time.Millisecond}
	b, err := in.MarshalBinary()
	require.NoError(t, err)
	typ, err := PacketType(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(TypeInterest), typ)

	var out Interest
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Equal(t, *in, out)

	var d Data
	assert.ErrorIs(t, d.UnmarshalBinary(b), ErrPacketType)
	assert.ErrorIs(t, out.UnmarshalBinary(b[:len(b)-2]), ErrTruncated)
}

func TestPacket_DataWire(t *testing.T) {
	in := &Data{Name: ParseName("/x/manifest"), Content: []byte{1, 2, 3}, Freshness: time.Second, Signature: []byte{9}}
	b, err := in.MarshalBinary()
	require.NoError(t, err)
	var out Data
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Equal(t, *in, out)
	assert.Equal(t, len(b), EncodedLen(in))
}

func TestEstimateOverhead_FitsMTU(t *testing.T) {
	obj := ParseName("/prefix/some/object")
	mtu := 1500
	overhead := EstimateOverhead(obj, mtu, 0, 0)
	require.Positive(t, overhead)
	payload := mtu - overhead - 4
	d := &Data{Name: obj.AppendSequence(999), Content: make([]byte, payload)}
	assert.LessOrEqual(t, EncodedLen(d), mtu)
}

func TestMemLink_DelayAndSerialization(t *testing.T) {
	sim := clock.NewSim(time.Unix(0, 0))
	p := ProducerFunc(func(i *Interest) (*Data, bool) {
		return &Data{Name: i.Name, Content: make([]byte, 1000)}, true
	})
	link := NewMemLink(sim, p, LinkConfig{MTU: 1500, Bitrate: 8_000_000, Delay: 10 * time.Millisecond})

	var arrivals []time.Duration
	c := ConsumerFuncs{Data: func(d *Data) { arrivals = append(arrivals, sim.Now().Sub(time.Unix(0, 0))) }}
	require.NoError(t, link.Express(&Interest{Name: ParseName("/a/0"), Lifetime: time.Second}, c))
	require.NoError(t, link.Express(&Interest{Name: ParseName("/a/1"), Lifetime: time.Second}, c))
	sim.Run(0)

	require.Len(t, arrivals, 2)
	assert.Greater(t, arrivals[0], 20*time.Millisecond)
	assert.Greater(t, arrivals[1], arrivals[0], "second packet queues behind the first")
	assert.Equal(t, uint64(2), link.Stats().Answered)
}

func TestMemLink_UnansweredInterestTimesOut(t *testing.T) {
	sim := clock.NewSim(time.Unix(0, 0))
	p := ProducerFunc(func(i *Interest) (*Data, bool) { return nil, false })
	link := NewMemLink(sim, p, LinkConfig{Delay: time.Millisecond})

	timedOut := false
	c := ConsumerFuncs{Timeout: func(*Interest) { timedOut = true }}
	require.NoError(t, link.Express(&Interest{Name: ParseName("/nothing"), Lifetime: 100 * time.Millisecond}, c))
	sim.Run(0)
	assert.True(t, timedOut)
	assert.Equal(t, uint64(1), link.Stats().Unanswered)
}
