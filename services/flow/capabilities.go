package flow

import (
	"context"
	"os"
	"strings"
)

// Env is a read-only snapshot of process environment variables.
type Env map[string]string

// SnapshotEnv captures the current process environment.
func SnapshotEnv() Env {
	env := make(Env)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}
	return env
}

// Get returns the value of key and whether it was set.
func (e Env) Get(key string) (string, bool) {
	v, ok := e[key]
	return v, ok
}

// ProjectStore gives executors access to host-application records. The
// engine only defines the shape; hosts supply the implementation.
type ProjectStore interface {
	Get(ctx context.Context, collection, id string) (map[string]any, error)
	List(ctx context.Context, collection string, filter map[string]any) ([]map[string]any, error)
	Create(ctx context.Context, collection string, record map[string]any) (map[string]any, error)
	Update(ctx context.Context, collection, id string, patch map[string]any) (map[string]any, error)
	Delete(ctx context.Context, collection, id string) error
}

// unavailableProject is used when the host did not configure a ProjectStore.
type unavailableProject struct{}

func (unavailableProject) Get(context.Context, string, string) (map[string]any, error) {
	return nil, ErrProjectUnavailable
}

func (unavailableProject) List(context.Context, string, map[string]any) ([]map[string]any, error) {
	return nil, ErrProjectUnavailable
}

func (unavailableProject) Create(context.Context, string, map[string]any) (map[string]any, error) {
	return nil, ErrProjectUnavailable
}

func (unavailableProject) Update(context.Context, string, string, map[string]any) (map[string]any, error) {
	return nil, ErrProjectUnavailable
}

func (unavailableProject) Delete(context.Context, string, string) error {
	return ErrProjectUnavailable
}
