package service

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/ndnstream/backend/daemon/transport"
	"github.com/ndnstream/backend/internal/ndn"
	"github.com/ndnstream/backend/internal/observability"
)

var ErrFetchNotFound = errors.New("fetch not found")

// FetchConfig wires a FetchService. NewPacer defaults to constant rate.
type FetchConfig struct {
	NewPacer  func() transport.Pacer
	Options   transport.Options
	Publisher *EventPublisher
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// FetchService runs plain object downloads next to the streams, one engine
// per object.
type FetchService struct {
	loop Runner
	face ndn.Face
	cfg  FetchConfig
	log  *observability.Logger

	mu      sync.Mutex
	engines map[string]*transport.Engine
	results map[string]transport.Result
}

func NewFetchService(loop Runner, face ndn.Face, cfg FetchConfig) *FetchService {
	if cfg.NewPacer == nil {
		cfg.NewPacer = func() transport.Pacer { return transport.NewConstantRate(transport.PacingConfig{}) }
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	return &FetchService{
		loop:    loop,
		face:    face,
		cfg:     cfg,
		log:     cfg.Logger.WithComponent("fetches"),
		engines: make(map[string]*transport.Engine),
		results: make(map[string]transport.Result),
	}
}

// Fetch starts downloading name into sink and returns the fetch id. With a
// publisher the id is the session id it records the fetch under.
func (f *FetchService) Fetch(name ndn.Name, sink transport.Sink) (string, error) {
	var (
		id  string
		err error
	)
	ok := f.loop.Call(func() {
		var obs transport.Observer
		if f.cfg.Publisher != nil {
			obs = f.cfg.Publisher
		}
		var e *transport.Engine
		e, err = transport.NewEngine(transport.Config{
			Clock:    f.loop,
			Face:     f.face,
			Pacer:    f.cfg.NewPacer(),
			Options:  f.cfg.Options,
			Logger:   f.cfg.Logger,
			Metrics:  f.cfg.Metrics,
			Observer: obs,
			OnComplete: func(res transport.Result) {
				f.done(id, res)
			},
		})
		if err != nil {
			return
		}
		id = uuid.NewString()
		if err = e.Start(name, sink); err != nil {
			return
		}
		if f.cfg.Publisher != nil {
			if s, lerr := f.cfg.Publisher.Sessions().Latest(name.String()); lerr == nil {
				id = s.ID
			}
		}
		f.mu.Lock()
		f.engines[id] = e
		f.mu.Unlock()
	})
	if !ok {
		return "", errors.New("event loop stopped")
	}
	if err != nil {
		return "", err
	}
	f.log.Info("fetch " + id + " started for " + name.String())
	return id, nil
}

func (f *FetchService) done(id string, res transport.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.engines, id)
	res.Content = nil
	f.results[id] = res
}

// Result returns the outcome of a finished fetch. ok is false while it runs.
func (f *FetchService) Result(id string) (res transport.Result, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.results[id]; ok {
		return res, true, nil
	}
	if _, running := f.engines[id]; running {
		return transport.Result{}, false, nil
	}
	return transport.Result{}, false, ErrFetchNotFound
}

// Cancel aborts a running fetch.
func (f *FetchService) Cancel(id string) error {
	f.mu.Lock()
	e, ok := f.engines[id]
	delete(f.engines, id)
	f.mu.Unlock()
	if !ok {
		return ErrFetchNotFound
	}
	f.loop.Call(e.Stop)
	return nil
}

// Active returns the number of running fetches.
func (f *FetchService) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

// CancelAll aborts every running fetch.
func (f *FetchService) CancelAll() {
	f.mu.Lock()
	ids := make([]string, 0, len(f.engines))
	for id := range f.engines {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		_ = f.Cancel(id)
	}
}
