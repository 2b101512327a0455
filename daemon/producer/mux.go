package producer

import (
	"sort"
	"sync"

	"github.com/ndnstream/backend/internal/ndn"
)

type route struct {
	prefix   ndn.Name
	producer ndn.Producer
}

// Mux dispatches each Interest to the producer with the longest matching prefix.
type Mux struct {
	mu     sync.RWMutex
	routes []route
}

func NewMux() *Mux { return &Mux{} }

// Register adds or replaces the producer for prefix.
func (m *Mux) Register(prefix ndn.Name, p ndn.Producer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.routes {
		if r.prefix.Equal(prefix) {
			m.routes[i].producer = p
			return
		}
	}
	m.routes = append(m.routes, route{prefix: prefix, producer: p})
	sort.SliceStable(m.routes, func(i, j int) bool { return len(m.routes[i].prefix) > len(m.routes[j].prefix) })
}

func (m *Mux) Serve(i *ndn.Interest) (*ndn.Data, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.routes {
		if i.Name.HasPrefix(r.prefix) {
			return r.producer.Serve(i)
		}
	}
	return nil, false
}
