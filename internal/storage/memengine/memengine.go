// Package memengine is an in-memory reference implementation of
// storage.Engine, used by tests and by any data group run without a
// real LSM-backed engine wired in.
package memengine

import (
	"strings"
	"sync"

	"github.com/aikv/aikv/internal/storage"
)

// Engine satisfies storage.Engine with a plain guarded map. No durability
// beyond process lifetime is provided; that is the real engine's job.
type Engine struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{data: make(map[string][]byte)}
}

func (e *Engine) Get(key string) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (e *Engine) Put(key string, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	e.data[key] = cp
	return nil
}

func (e *Engine) Delete(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.data, key)
	return nil
}

func (e *Engine) WriteBatch(batch *storage.Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range batch.Puts {
		cp := make([]byte, len(v))
		copy(cp, v)
		e.data[k] = cp
	}
	for _, k := range batch.Deletes {
		delete(e.data, k)
	}
	return nil
}

func (e *Engine) ScanPrefix(prefix string) (map[string][]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range e.data {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}
