package main

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ndnstream/backend/daemon/transport"
	"github.com/ndnstream/backend/internal/clock"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
)

// Poster is the loop the forwarder keeps its pending table on.
type Poster interface {
	clock.Clock
	Post(f func()) bool
}

type cached struct {
	data    *ndn.Data
	expires time.Time
}

// ForwarderStats counts what the forwarder did with Interests.
type ForwarderStats struct {
	Hits       uint64
	Forwarded  uint64
	Aggregated uint64
	Expired    uint64
}

// Forwarder answers Interests from a content store and forwards misses to
// one upstream face. Interests for a name already pending upstream are
// aggregated. Data is cached for its freshness period; Data without one is
// not cached.
type Forwarder struct {
	loop     Poster
	upstream ndn.Face
	cs       *lru.Cache
	log      *observability.Logger
	metrics  *observability.Metrics

	// pending is only touched on the loop
	pending map[string][]func(*ndn.Data)

	hits, forwarded, aggregated, expired atomic.Uint64
}

func NewForwarder(loop Poster, upstream ndn.Face, cacheEntries int, log *observability.Logger, metrics *observability.Metrics) (*Forwarder, error) {
	cs, err := lru.New(cacheEntries)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = observability.NopLogger()
	}
	return &Forwarder{
		loop:     loop,
		upstream: upstream,
		cs:       cs,
		log:      log.WithComponent("forwarder"),
		metrics:  metrics,
		pending:  make(map[string][]func(*ndn.Data)),
	}, nil
}

var (
	_ ndn.Producer            = (*Forwarder)(nil)
	_ transport.AsyncProducer = (*Forwarder)(nil)
)

// Serve answers from the content store only.
func (f *Forwarder) Serve(i *ndn.Interest) (*ndn.Data, bool) {
	v, ok := f.cs.Get(i.Name.String())
	if !ok {
		return nil, false
	}
	c := v.(*cached)
	if !f.loop.Now().Before(c.expires) {
		f.cs.Remove(i.Name.String())
		f.expired.Add(1)
		f.metrics.RecordRelayInterest("expired")
		return nil, false
	}
	f.hits.Add(1)
	f.metrics.RecordRelayInterest("hit")
	return c.data, true
}

// ServeAsync answers from the content store or forwards upstream.
func (f *Forwarder) ServeAsync(i *ndn.Interest, reply func(*ndn.Data)) {
	if d, ok := f.Serve(i); ok {
		reply(d)
		return
	}
	f.loop.Post(func() { f.forward(i, reply) })
}

func (f *Forwarder) forward(i *ndn.Interest, reply func(*ndn.Data)) {
	key := i.Name.String()
	if waiting, ok := f.pending[key]; ok {
		f.pending[key] = append(waiting, reply)
		f.aggregated.Add(1)
		f.metrics.RecordRelayInterest("aggregated")
		return
	}
	f.pending[key] = []func(*ndn.Data){reply}
	f.forwarded.Add(1)
	f.metrics.RecordRelayInterest("forwarded")

	up := &ndn.Interest{Name: i.Name, Nonce: i.Nonce, Lifetime: i.Lifetime}
	err := f.upstream.Express(up, ndn.ConsumerFuncs{
		Data: func(d *ndn.Data) {
			if d.Freshness > 0 {
				f.cs.Add(key, &cached{data: d, expires: f.loop.Now().Add(d.Freshness)})
			}
			waiting := f.pending[key]
			delete(f.pending, key)
			for _, r := range waiting {
				r(d)
			}
		},
		Timeout: func(*ndn.Interest) {
			// consumers time out on their own
			delete(f.pending, key)
		},
	})
	if err != nil {
		f.log.Debug("upstream refused " + key + ": " + err.Error())
		delete(f.pending, key)
	}
}

// Stats returns the forwarding counters.
func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Hits:       f.hits.Load(),
		Forwarded:  f.forwarded.Load(),
		Aggregated: f.aggregated.Load(),
		Expired:    f.expired.Load(),
	}
}

// Cached returns the number of entries in the content store.
func (f *Forwarder) Cached() int { return f.cs.Len() }
