package service

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndnstream/backend/daemon/manager"
	"github.com/ndnstream/backend/daemon/producer"
	"github.com/ndnstream/backend/daemon/transport"
	"github.com/ndnstream/backend/internal/clock"
	"github.com/ndnstream/backend/internal/ndn"
)

func newFetchFixture(t *testing.T) (*clock.Sim, *EventPublisher, *FetchService, *manager.ObjectStore) {
	t.Helper()
	sim := clock.NewSim(time.Unix(0, 0))
	p := producer.NewSizeTable(producer.Options{Prefix: ndn.ParseName("/files"), MTU: 1500},
		map[string]int64{"a.bin": 50_000, "b.bin": 3_000})
	link := ndn.NewMemLink(sim, p, ndn.LinkConfig{MTU: 1500, Bitrate: 10_000_000, Delay: 10 * time.Millisecond})

	store, err := manager.OpenObjectStore(filepath.Join(t.TempDir(), "objects.db"), manager.ObjectStoreOptions{Now: sim.Now})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pub := NewEventPublisher(PublisherConfig{})
	svc := NewFetchService(simRunner{sim}, link, FetchConfig{Publisher: pub})
	return sim, pub, svc, store
}

func TestFetchService_StoresObject(t *testing.T) {
	sim, pub, svc, store := newFetchFixture(t)

	id, err := svc.Fetch(ndn.ParseName("/files/a.bin"), store)
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Active())

	_, done, err := svc.Result(id)
	require.NoError(t, err)
	assert.False(t, done)

	sim.RunFor(30 * time.Second)

	res, done, err := svc.Result(id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, transport.StatusCompleted, res.Status)
	assert.Zero(t, svc.Active())

	content, err := store.Get(ndn.ParseName("/files/a.bin"))
	require.NoError(t, err)
	assert.Len(t, content, 50_000)

	s, err := pub.Sessions().Get(id)
	require.NoError(t, err)
	assert.Equal(t, manager.StateCompleted, s.GetState())
}

func TestFetchService_Cancel(t *testing.T) {
	sim, pub, svc, store := newFetchFixture(t)

	id, err := svc.Fetch(ndn.ParseName("/files/a.bin"), store)
	require.NoError(t, err)
	sim.RunFor(20 * time.Millisecond)

	require.NoError(t, svc.Cancel(id))
	assert.ErrorIs(t, svc.Cancel(id), ErrFetchNotFound)
	_, _, err = svc.Result(id)
	assert.ErrorIs(t, err, ErrFetchNotFound)

	s, err := pub.Sessions().Get(id)
	require.NoError(t, err)
	assert.Equal(t, manager.StateAborted, s.GetState())
	assert.False(t, store.Has(ndn.ParseName("/files/a.bin")))
}
