package executor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xcancloud/AngusInfra-sub001/internal/models"
)

var (
	// ErrNotFound means no executor is registered under the reference.
	ErrNotFound = errors.New("executor not found")
	// ErrUnsupported means the executor lacks the capability a job kind needs.
	ErrUnsupported = errors.New("executor does not support job kind")
)

// Registry maps executor references to implementations. A value may
// implement any combination of the capability interfaces. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]interface{}
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]interface{})}
}

// Register binds name to impl, replacing any previous binding. impl must
// implement at least one capability.
func (r *Registry) Register(name string, impl interface{}) error {
	if name == "" {
		return errors.New("executor name is required")
	}
	if len(capabilities(impl)) == 0 {
		return fmt.Errorf("executor %q implements no capability", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = impl
	return nil
}

// MustRegister is Register for wiring code that cannot continue on error.
func (r *Registry) MustRegister(name string, impl interface{}) {
	if err := r.Register(name, impl); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return impl, nil
}

func (r *Registry) Simple(name string) (SimpleExecutor, error) {
	impl, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	exec, ok := impl.(SimpleExecutor)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a %s executor", ErrUnsupported, name, models.JobKindSimple)
	}
	return exec, nil
}

func (r *Registry) Sharding(name string) (ShardingExecutor, error) {
	impl, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	exec, ok := impl.(ShardingExecutor)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a %s executor", ErrUnsupported, name, models.JobKindSharding)
	}
	return exec, nil
}

func (r *Registry) MapReduce(name string) (MapReduceExecutor, error) {
	impl, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	exec, ok := impl.(MapReduceExecutor)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a %s executor", ErrUnsupported, name, models.JobKindMapReduce)
	}
	return exec, nil
}

// Supports checks that name resolves to an executor able to run kind.
func (r *Registry) Supports(name string, kind models.JobKind) error {
	var err error
	switch kind {
	case models.JobKindSimple:
		_, err = r.Simple(name)
	case models.JobKindSharding:
		_, err = r.Sharding(name)
	case models.JobKindMapReduce:
		_, err = r.MapReduce(name)
	default:
		err = fmt.Errorf("%w: unknown kind %q", ErrUnsupported, kind)
	}
	return err
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capabilities lists the job kinds the named executor can run.
func (r *Registry) Capabilities(name string) ([]models.JobKind, error) {
	impl, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return capabilities(impl), nil
}

func capabilities(impl interface{}) []models.JobKind {
	var kinds []models.JobKind
	if _, ok := impl.(SimpleExecutor); ok {
		kinds = append(kinds, models.JobKindSimple)
	}
	if _, ok := impl.(ShardingExecutor); ok {
		kinds = append(kinds, models.JobKindSharding)
	}
	if _, ok := impl.(MapReduceExecutor); ok {
		kinds = append(kinds, models.JobKindMapReduce)
	}
	return kinds
}
