// Package producer answers manifest and chunk Interests for objects held in
// a size table, a directory on disk, or synthetic multimedia content.
package producer

import (
	"fmt"
	"sync"
	"time"

	"github.com/ndnstream/backend/internal/chunker"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
)

// signatureLen is the size of the digest carried as the Data signature.
const signatureLen = 32

// Options are shared by every producer.
type Options struct {
	Prefix    ndn.Name
	MTU       int
	Freshness time.Duration
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

func (o Options) withDefaults() Options {
	if o.MTU <= 0 {
		o.MTU = 1500
	}
	if o.Logger == nil {
		o.Logger = observability.NopLogger()
	}
	return o
}

// catalog resolves object names relative to the producer prefix, such as
// "/dir/file.bin".
type catalog interface {
	size(rel string) (int64, bool)
	read(rel string, off int64, n int) ([]byte, error)
}

// server implements the manifest and chunk protocol on top of a catalog.
type server struct {
	opts Options
	log  *observability.Logger

	mu       sync.Mutex
	overhead map[string]int
}

func newServer(opts Options, component string) *server {
	opts = opts.withDefaults()
	return &server{
		opts:     opts,
		log:      opts.Logger.WithComponent(component),
		overhead: make(map[string]int),
	}
}

// MaxPayload returns the chunk size used for object, estimated once per name.
func (s *server) MaxPayload(object ndn.Name) uint32 {
	key := object.String()
	s.mu.Lock()
	o, ok := s.overhead[key]
	if !ok {
		o = ndn.EstimateOverhead(object, s.opts.MTU, s.opts.Freshness, signatureLen)
		s.overhead[key] = o
	}
	s.mu.Unlock()
	return chunker.MaxPayload(s.opts.MTU, o)
}

func (s *server) serve(i *ndn.Interest, c catalog) (*ndn.Data, bool) {
	rel, ok := i.Name.TrimPrefix(s.opts.Prefix)
	if !ok || len(rel) < 2 {
		return nil, false
	}
	objectRel := rel.Parent().String()
	object := i.Name.Parent()

	if rel.IsManifest() {
		m := chunker.NotFoundManifest()
		if size, found := c.size(objectRel); found {
			m = chunker.Manifest{Size: size, MaxPayload: s.MaxPayload(object)}
		}
		b, _ := m.MarshalBinary()
		s.opts.Metrics.RecordProducerInterest("manifest", 0)
		s.log.InterestServed(i.Name.String(), "manifest", int(m.Size))
		return s.data(i.Name, b), true
	}

	seq, err := rel.Sequence()
	if err != nil {
		s.opts.Metrics.RecordProducerInterest("miss", 0)
		return nil, false
	}
	size, found := c.size(objectRel)
	if !found {
		s.opts.Metrics.RecordProducerInterest("miss", 0)
		return nil, false
	}
	off, n, err := chunker.ChunkBounds(size, s.MaxPayload(object), int(seq))
	if err != nil {
		s.opts.Metrics.RecordProducerInterest("miss", 0)
		return nil, false
	}
	payload, err := c.read(objectRel, off, n)
	if err != nil {
		s.log.Error(err, fmt.Sprintf("failed to read %s", i.Name))
		s.opts.Metrics.RecordProducerInterest("miss", 0)
		return nil, false
	}
	s.opts.Metrics.RecordProducerInterest("chunk", len(payload))
	return s.data(i.Name, payload), true
}

func (s *server) data(name ndn.Name, content []byte) *ndn.Data {
	return &ndn.Data{
		Name:      name,
		Content:   content,
		Freshness: s.opts.Freshness,
		Signature: chunker.Digest(content),
	}
}
