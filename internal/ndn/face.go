package ndn

import (
	"time"
)

// DefaultLinkBitrate is assumed when a face cannot report its link speed.
const DefaultLinkBitrate uint64 = 54_000_000

// Consumer receives the outcome of an expressed Interest. Callbacks run on
// the clock that drives the face.
type Consumer interface {
	OnData(d *Data)
	OnTimeout(i *Interest)
}

// Face sends Interests toward producers.
type Face interface {
	Express(i *Interest, c Consumer) error
	// MTU is the largest encoded packet the link carries.
	MTU() int
	// LinkBitrate is the link speed in bits per second, 0 when unknown.
	LinkBitrate() uint64
}

// Producer answers Interests. The bool result is false when the producer
// has nothing for the name; the Interest then goes unanswered.
type Producer interface {
	Serve(i *Interest) (*Data, bool)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(i *Interest) (*Data, bool)

func (f ProducerFunc) Serve(i *Interest) (*Data, bool) { return f(i) }

// ConsumerFuncs adapts a pair of callbacks to Consumer. Nil callbacks are skipped.
type ConsumerFuncs struct {
	Data    func(*Data)
	Timeout func(*Interest)
}

func (c ConsumerFuncs) OnData(d *Data) {
	if c.Data != nil {
		c.Data(d)
	}
}

func (c ConsumerFuncs) OnTimeout(i *Interest) {
	if c.Timeout != nil {
		c.Timeout(i)
	}
}

// EstimateOverhead returns the encoded size of a Data packet for a chunk of
// object, minus its content, for payloads close to mtu bytes.
func EstimateOverhead(object Name, mtu int, freshness time.Duration, sigLen int) int {
	if mtu < 1 {
		mtu = 1
	}
	full := &Data{
		Name:      object.AppendSequence(1),
		Content:   make([]byte, mtu),
		Freshness: freshness,
		Signature: make([]byte, sigLen),
	}
	return EncodedLen(full) - mtu
}
