// Package project holds the current query state of the project, replacing it atomically
// as syncs complete and notifying anything that's interested.
package project

import (
	"context"
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/querier"
)

var log = logging.MustGetLogger("project")

// A Listener is called after the current state has been replaced.
type Listener func(state *querier.State)

// A ResultKind describes how a sync finished.
type ResultKind int

const (
	// Success means the sync completed and its state is now current.
	Success ResultKind = iota
	// Failure means the sync failed; the previous state (if any) is still current.
	Failure
)

func (k ResultKind) String() string {
	if k == Success {
		return "success"
	}
	return "failure"
}

// A SyncResult is the outcome of a sync.
type SyncResult struct {
	Kind  ResultKind
	State *querier.State
	Err   error
}

// A Project holds the current state and runs syncs to update it.
type Project struct {
	definition core.ProjectDefinition
	querier    *querier.Querier
	store      Store
	current    atomic.Pointer[querier.State]
	// Serialises syncs with one another; readers never take it.
	syncMutex sync.Mutex

	listenerMutex sync.Mutex
	listeners     []Listener
	events        chan *querier.State
	dispatched    sync.WaitGroup
}

// New creates a new Project. store may be nil, in which case nothing is persisted.
func New(definition core.ProjectDefinition, q *querier.Querier, store Store) *Project {
	p := &Project{
		definition: definition,
		querier:    q,
		store:      store,
		events:     make(chan *querier.State, 16),
	}
	go p.dispatch()
	return p
}

// Current returns the current state, or nil if no sync has completed yet.
func (p *Project) Current() *querier.State {
	return p.current.Load()
}

// OnSnapshotReplaced registers a listener to be called whenever the current state is replaced.
// Listeners are called in order on a single background goroutine, never during a sync.
func (p *Project) OnSnapshotReplaced(listener Listener) {
	p.listenerMutex.Lock()
	defer p.listenerMutex.Unlock()
	p.listeners = append(p.listeners, listener)
}

// Load restores the last saved state, if there is one for this project.
// It returns false if nothing usable was found.
func (p *Project) Load() bool {
	if p.store == nil {
		return false
	}
	p.syncMutex.Lock()
	defer p.syncMutex.Unlock()
	state, err := p.store.Load(p.definition)
	if err != nil {
		log.Warning("Failed to load saved project state: %s", err)
		return false
	} else if state == nil {
		return false
	}
	if state, err = p.querier.Rebuild(state); err != nil {
		log.Warning("Failed to rebuild saved project state: %s", err)
		return false
	}
	p.replace(state)
	return true
}

// Sync performs a full query of the project.
func (p *Project) Sync(ctx context.Context) SyncResult {
	return p.run(func() (*querier.State, error) {
		return p.querier.FullQuery(ctx, p.definition)
	})
}

// Update brings the project up to date incrementally where possible.
// If there's no current state it does a full sync.
func (p *Project) Update(ctx context.Context) SyncResult {
	return p.run(func() (*querier.State, error) {
		if prev := p.Current(); prev != nil {
			return p.querier.Update(ctx, prev)
		}
		return p.querier.FullQuery(ctx, p.definition)
	})
}

// SyncAsync runs a sync in the background and delivers its result on the returned channel.
func (p *Project) SyncAsync(ctx context.Context, incremental bool) <-chan SyncResult {
	ch := make(chan SyncResult, 1)
	go func() {
		if incremental {
			ch <- p.Update(ctx)
		} else {
			ch <- p.Sync(ctx)
		}
	}()
	return ch
}

func (p *Project) run(f func() (*querier.State, error)) SyncResult {
	p.syncMutex.Lock()
	defer p.syncMutex.Unlock()
	prev := p.Current()
	state, err := f()
	if err != nil {
		log.Error("Sync failed: %s", err)
		return SyncResult{Kind: Failure, State: prev, Err: err}
	}
	if state != prev {
		p.replace(state)
		if p.store != nil {
			if err := p.store.Save(state); err != nil {
				log.Warning("Failed to save project state: %s", err)
			}
		}
	}
	return SyncResult{Kind: Success, State: state}
}

// replace swaps in a new state and queues notification of the listeners.
func (p *Project) replace(state *querier.State) {
	p.current.Store(state)
	p.dispatched.Add(1)
	p.events <- state
}

func (p *Project) dispatch() {
	for state := range p.events {
		p.listenerMutex.Lock()
		listeners := append([]Listener{}, p.listeners...)
		p.listenerMutex.Unlock()
		for _, l := range listeners {
			l(state)
		}
		p.dispatched.Done()
	}
}

// Wait waits until all listeners have been notified of every replacement so far.
func (p *Project) Wait() {
	p.dispatched.Wait()
}
