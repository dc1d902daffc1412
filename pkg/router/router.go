// Package router implements the load controller: the single component
// that owns every currently-running backend instance, serializes load
// operations behind a mutex/condition-variable pair, evicts the
// least-recently-used instance per capacity-bounded pool, and dispatches
// requests to the adapter that advertises the needed capability.
//
// Grounded on the teacher's scheduler.go / http_handler.go split between
// an installer and a loader: a single lock guards fast bookkeeping, the
// slow backend spawn happens outside it, and BackendStatus-style
// introspection is exposed for /health and /stats.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/metrics"
	"github.com/lemonade-run/gateway/pkg/telemetry"
)

// AdapterFactory constructs a fresh, not-yet-loaded backend.Adapter for
// the given descriptor's recipe. The router calls it once per load.
type AdapterFactory func(d *catalog.Descriptor) (backend.Adapter, error)

// DefaultCapacities are the out-of-the-box N_type values for the four
// eviction pools, chosen so a typical desktop keeps one of each loaded
// kind resident without thrashing.
var DefaultCapacities = map[catalog.ModelType]int{
	catalog.TypeLLM:       1,
	catalog.TypeEmbedding: 1,
	catalog.TypeReranking: 1,
	catalog.TypeAudio:     2,
}

// Instance is one entry in the loaded-backend table.
type Instance struct {
	Name     string
	Adapter  backend.Adapter
	Descr    *catalog.Descriptor
	CtxSize  int
	LastUsed time.Time
}

// pool is one of the four independent eviction groups.
type pool struct {
	capacity int
	floor    int
	entries  map[string]*Instance
}

func newPool(capacity int) *pool {
	return &pool{capacity: capacity, entries: make(map[string]*Instance)}
}

// limit is the effective capacity: the configured capacity raised to
// whatever floor the orchestrator has requested for the duration of a
// tool-calling session.
func (p *pool) limit() int {
	if p.floor > p.capacity {
		return p.floor
	}
	return p.capacity
}

// lru returns the least-recently-used entry in the pool, or nil if empty.
func (p *pool) lru() *Instance {
	var oldest *Instance
	for _, inst := range p.entries {
		if oldest == nil || inst.LastUsed.Before(oldest.LastUsed) {
			oldest = inst
		}
	}
	return oldest
}

// ErrCapabilityMismatch is returned by dispatch helpers when the loaded
// backend for a model does not support the requested operation.
var ErrCapabilityMismatch = errors.New("model does not support this operation")

// ErrUnknownModel is returned when the requested model is not present in
// the catalog at all.
var ErrUnknownModel = errors.New("unknown model")

// Router is the process-wide load controller. There is exactly one per
// gateway process.
type Router struct {
	log     logging.Logger
	catalog *catalog.Manager
	factory AdapterFactory
	metrics *metrics.Registry

	mu        sync.Mutex
	cond      *sync.Cond
	isLoading bool
	pools     map[catalog.ModelType]*pool
}

// New creates a Router with the given per-type capacities (falling back
// to DefaultCapacities for any type omitted from capacities). reg may be
// nil to skip Prometheus accounting.
func New(log logging.Logger, cat *catalog.Manager, factory AdapterFactory, capacities map[catalog.ModelType]int, reg *metrics.Registry) *Router {
	r := &Router{
		log:     log,
		catalog: cat,
		factory: factory,
		metrics: reg,
		pools:   make(map[catalog.ModelType]*pool),
	}
	r.cond = sync.NewCond(&r.mu)
	for _, t := range []catalog.ModelType{catalog.TypeLLM, catalog.TypeEmbedding, catalog.TypeReranking, catalog.TypeAudio} {
		n := DefaultCapacities[t]
		if v, ok := capacities[t]; ok {
			n = v
		}
		r.pools[t] = newPool(n)
	}
	return r
}

// SetMinLoadedModels bumps every pool's minimum floor to n, used by the
// orchestrator to guarantee no eviction occurs mid tool-calling-session.
// Passing 0 restores each pool to its configured capacity.
func (r *Router) SetMinLoadedModels(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		p.floor = n
	}
}

// lookup returns the loaded instance for name, if any, across every pool.
func (r *Router) lookup(name string) *Instance {
	for _, p := range r.pools {
		if inst, ok := p.entries[name]; ok {
			return inst
		}
	}
	return nil
}

// EnsureLoaded returns the loaded instance for name, loading it on
// demand (and evicting the pool's LRU entry if that would exceed the
// pool's capacity) if it is not already resident. This is the single
// entry point implementing spec's load-serialization contract.
func (r *Router) EnsureLoaded(ctx context.Context, name string, opts backend.LoadOptions) (*Instance, error) {
	descr, err := r.catalog.GetModelInfo(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	if !descr.Downloaded {
		return nil, fmt.Errorf("model %s is not downloaded", name)
	}
	if descr.Type == catalog.TypeImage {
		// Image generation is stateless per-request: no long-running
		// backend ever enters the table, so there is nothing to load.
		return nil, fmt.Errorf("%w: %s is an image-generation model and is served per-request", ErrCapabilityMismatch, name)
	}

	r.mu.Lock()
	for r.isLoading {
		r.cond.Wait()
	}

	if inst := r.lookup(name); inst != nil {
		inst.LastUsed = time.Now()
		r.mu.Unlock()
		return inst, nil
	}

	r.isLoading = true

	// Quick pre-work: decide which pool this load lands in and, if it
	// would exceed capacity, pick the LRU victim to evict. The actual
	// eviction teardown (adapter.Unload) happens outside the lock, same
	// as the spawn of the new instance — both are slow I/O.
	p := r.pools[descr.Type]
	var victim *Instance
	if len(p.entries) >= p.limit() {
		victim = p.lru()
		if victim != nil {
			delete(p.entries, victim.Name)
		}
	}
	r.mu.Unlock()

	finish := func(err error) (*Instance, error) {
		r.mu.Lock()
		r.isLoading = false
		r.cond.Broadcast()
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.LoadsTotal.WithLabelValues(name, "error").Inc()
		}
		return nil, err
	}

	if victim != nil {
		if uErr := victim.Adapter.Unload(ctx); uErr != nil {
			r.log.Warnf("evicting %s to make room for %s: %v", victim.Name, name, uErr)
		}
		if r.metrics != nil {
			r.metrics.EvictionsTotal.WithLabelValues(string(descr.Type)).Inc()
		}
	}

	adapter, err := r.factory(descr)
	if err != nil {
		return finish(fmt.Errorf("constructing adapter for %s: %w", name, err))
	}
	if err := adapter.Install(ctx); err != nil {
		return finish(fmt.Errorf("installing backend for %s: %w", name, err))
	}
	if err := adapter.Load(ctx, name, descr, opts); err != nil {
		_ = adapter.Unload(ctx)
		return finish(fmt.Errorf("loading %s: %w", name, err))
	}

	inst := &Instance{Name: name, Adapter: adapter, Descr: descr, CtxSize: opts.CtxSize, LastUsed: time.Now()}

	r.mu.Lock()
	p.entries[name] = inst
	loaded := len(p.entries)
	r.isLoading = false
	r.cond.Broadcast()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.LoadsTotal.WithLabelValues(name, "success").Inc()
		r.metrics.LoadedModels.WithLabelValues(string(descr.Type)).Set(float64(loaded))
	}
	return inst, nil
}

// Unload tears down the loaded instance for name, if any. It waits for
// any in-flight load to finish first so it never races eviction's own
// bookkeeping.
func (r *Router) Unload(ctx context.Context, name string) error {
	r.mu.Lock()
	for r.isLoading {
		r.cond.Wait()
	}
	var inst *Instance
	for _, p := range r.pools {
		if v, ok := p.entries[name]; ok {
			inst = v
			delete(p.entries, name)
			if r.metrics != nil {
				r.metrics.LoadedModels.WithLabelValues(string(v.Descr.Type)).Set(float64(len(p.entries)))
			}
			break
		}
	}
	r.mu.Unlock()

	if inst == nil {
		return nil
	}
	return inst.Adapter.Unload(ctx)
}

// UnloadAll tears down every currently loaded instance.
func (r *Router) UnloadAll(ctx context.Context) error {
	r.mu.Lock()
	for r.isLoading {
		r.cond.Wait()
	}
	var all []*Instance
	for t, p := range r.pools {
		for name, inst := range p.entries {
			all = append(all, inst)
			delete(p.entries, name)
		}
		if r.metrics != nil {
			r.metrics.LoadedModels.WithLabelValues(string(t)).Set(0)
		}
	}
	r.mu.Unlock()

	var firstErr error
	for _, inst := range all {
		if err := inst.Adapter.Unload(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispatch looks up (loading on demand) the instance for name and
// type-asserts it against the capability required, returning
// ErrCapabilityMismatch if the loaded backend cannot serve it.
func Dispatch[T any](ctx context.Context, r *Router, name string, opts backend.LoadOptions) (T, error) {
	var zero T
	inst, err := r.EnsureLoaded(ctx, name, opts)
	if err != nil {
		return zero, err
	}
	capable, ok := inst.Adapter.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s (%s)", ErrCapabilityMismatch, name, inst.Adapter.Name())
	}
	return capable, nil
}

// Status summarizes one loaded instance for /health and /stats.
type Status struct {
	ModelName   string           `json:"model_name"`
	Backend     string           `json:"backend"`
	Type        string           `json:"type"`
	IsRunning   bool             `json:"is_running"`
	ContextSize int              `json:"context_size,omitempty"`
	LastUsed    time.Time        `json:"last_used"`
	Telemetry   telemetry.Record `json:"telemetry"`
}

// RunningBackends returns a stable-ordered snapshot of every loaded
// instance across all pools, grounded on the teacher's
// GetRunningBackendsInfo/getLoaderStatus pairing.
func (r *Router) RunningBackends() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Status
	for _, p := range r.pools {
		for _, inst := range p.entries {
			out = append(out, Status{
				ModelName:   inst.Name,
				Backend:     inst.Adapter.Name(),
				Type:        string(inst.Descr.Type),
				IsRunning:   inst.Adapter.IsRunning(),
				ContextSize: inst.CtxSize,
				LastUsed:    inst.LastUsed,
				Telemetry:   inst.Adapter.Telemetry().Snapshot(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out
}

// PoolLimits reports each pool's effective capacity (its configured
// capacity, or the orchestrator's floor when that is higher), used by
// /health to surface "N_type" the spec names explicitly.
func (r *Router) PoolLimits() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.pools))
	for t, p := range r.pools {
		out[string(t)] = p.limit()
	}
	return out
}
