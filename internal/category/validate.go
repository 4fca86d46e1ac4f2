package category

import (
	"context"
	"os"
	"time"

	"github.com/got3nks/amule-web-controller-sub002/internal/captab"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
)

// PathValidation is the per-path probe result spec.md §4.3 calls for:
// {exists, readable, writable} or an error string.
type PathValidation struct {
	Exists   bool   `json:"exists"`
	Readable bool   `json:"readable"`
	Writable bool   `json:"writable"`
	Error    string `json:"error,omitempty"`
}

const validateDebounce = 500 * time.Millisecond

// ValidateAllPaths coalesces rapid callers: each invocation resets a
// 500ms timer; when it fires, a single validation pass runs and every
// pending caller observes the same result (spec.md §4.3, §5 ordering
// guarantee 5). golang.org/x/sync/singleflight guards the pass itself
// against overlapping execution if the timer and a direct caller race.
func (m *Manager) ValidateAllPaths(ctx context.Context) map[string]PathValidation {
	m.validateMu.Lock()
	if m.validateTimer != nil {
		m.validateTimer.Stop()
	}
	if m.validateWaiters == nil {
		m.validateWaiters = make(chan struct{})
	}
	waitCh := m.validateWaiters
	m.validateTimer = time.AfterFunc(validateDebounce, func() {
		m.validateMu.Lock()
		ch := m.validateWaiters
		m.validateWaiters = nil
		m.validateTimer = nil
		m.validateMu.Unlock()

		result, _, _ := m.validateGroup.Do("validateAllPaths", func() (interface{}, error) {
			return m.runValidation(ctx), nil
		})
		m.validateMu.Lock()
		m.lastValidation = result.(map[string]PathValidation)
		m.validateMu.Unlock()
		close(ch)
	})
	m.validateMu.Unlock()

	<-waitCh

	m.validateMu.Lock()
	defer m.validateMu.Unlock()
	return m.lastValidation
}

func (m *Manager) runValidation(ctx context.Context) map[string]PathValidation {
	_ = ctx
	results := map[string]PathValidation{}
	snap := m.GetAllForFrontend()

	for _, c := range snap {
		if c.Name == DefaultName {
			m.mu.Lock()
			clientDefaults := make(map[string]string, len(m.clientDefaultPaths))
			for k, v := range m.clientDefaultPaths {
				clientDefaults[k] = v
			}
			m.mu.Unlock()
			for instanceID, p := range clientDefaults {
				dest := destFor(c.PathMappings, instanceID, "", p)
				results["Default:"+instanceID] = probePath(dest)
			}
			continue
		}
		if len(c.PathMappings) > 0 {
			for key, p := range c.PathMappings {
				if m.isNativeMoveTarget(key) {
					continue
				}
				results[c.Name+":"+key] = probePath(p)
			}
			continue
		}
		if c.Path != "" {
			results[c.Name] = probePath(c.Path)
		}
	}
	return results
}

// isNativeMoveTarget reports whether key (an instanceId or a clientType)
// resolves to a client whose captab.Features.NativeMove is set — such
// clients handle moves internally, so the app never needs write access to
// their destination path.
func (m *Manager) isNativeMoveTarget(key string) bool {
	if meta, ok := captab.Get(model.ClientType(key)); ok && meta.Features.NativeMove {
		return true
	}
	if a, ok := m.registry.Get(key); ok {
		if meta, ok := captab.Get(a.ClientType()); ok {
			return meta.Features.NativeMove
		}
	}
	return false
}

func probePath(path string) PathValidation {
	if path == "" {
		return PathValidation{Error: "empty path"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PathValidation{Exists: false}
		}
		return PathValidation{Error: err.Error()}
	}
	if !info.IsDir() {
		return PathValidation{Exists: true, Error: "not a directory"}
	}
	f, err := os.Open(path)
	readable := err == nil
	if err == nil {
		f.Close()
	}
	return PathValidation{Exists: true, Readable: readable, Writable: probeWritable(path)}
}

func probeWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".amule-web-controller-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
