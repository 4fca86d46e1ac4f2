// Package category implements the Category Manager (spec.md §4.3): the
// single app-wide category model, kept coherent with every connected
// client's native category/label/folder concept, including path
// translation and debounced path validation.
package category

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/singleflight"

	"github.com/got3nks/amule-web-controller-sub002/internal/adapter"
	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/captab"
	"github.com/got3nks/amule-web-controller-sub002/internal/logging"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
	"github.com/got3nks/amule-web-controller-sub002/internal/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const DefaultName = model.DefaultCategoryName

const docVersion = 1

type document struct {
	Version    int                        `json:"version"`
	Categories map[string]*model.Category `json:"categories"`
}

// Manager is a process-wide singleton carried by reference (spec.md §9),
// never a package-level global.
type Manager struct {
	mu         sync.Mutex
	categories map[string]*model.Category
	path       string
	registry   *registry.Registry
	log        *logging.Logger

	clientDefaultPaths map[string]string // instanceId -> client's default download dir

	validateMu      sync.Mutex
	validateTimer   *time.Timer
	validateWaiters chan struct{}
	validateGroup   singleflight.Group
	lastValidation  map[string]PathValidation
}

func New(path string, reg *registry.Registry) *Manager {
	return &Manager{
		categories:         map[string]*model.Category{},
		path:               path,
		registry:           reg,
		log:                logging.New("category"),
		clientDefaultPaths: map[string]string{},
	}
}

// Load reads categories.json, creating the Default category if the file
// is absent or the category is missing from it (spec.md §8 invariant 3).
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return apperr.Wrap(apperr.Config, err, "reading %s", m.path)
		}
		raw = nil
	}
	doc := document{Version: docVersion, Categories: map[string]*model.Category{}}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return apperr.Wrap(apperr.Config, err, "parsing %s", m.path)
		}
	}
	if doc.Categories == nil {
		doc.Categories = map[string]*model.Category{}
	}
	if _, ok := doc.Categories[DefaultName]; !ok {
		now := time.Now()
		doc.Categories[DefaultName] = &model.Category{
			Name: DefaultName, Color: "#808080", Priority: model.PriorityNormal,
			CreatedAt: now, UpdatedAt: now,
		}
	}
	m.categories = doc.Categories
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	doc := document{Version: docVersion, Categories: m.categories}
	buf, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "marshaling categories")
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, err, "creating categories dir")
	}
	return os.WriteFile(m.path, buf, 0o644)
}

// GetAllForFrontend returns a stable, name-sorted snapshot.
func (m *Manager) GetAllForFrontend() []model.Category {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() []model.Category {
	names := make([]string, 0, len(m.categories))
	for n := range m.categories {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]model.Category, 0, len(names))
	for _, n := range names {
		out = append(out, *m.categories[n])
	}
	return out
}

// GetCategoriesSnapshot implements adapter.CategorySyncTarget.
func (m *Manager) GetCategoriesSnapshot() []model.Category { return m.GetAllForFrontend() }

// Get returns a single category by name, for callers (e.g. the move
// wiring in wshub) that only need one category's Path rather than the
// full frontend snapshot.
func (m *Manager) Get(name string) (model.Category, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.categories[name]
	if !ok {
		return model.Category{}, false
	}
	return *c, true
}

// LinkAmuleID implements adapter.CategorySyncTarget.
func (m *Manager) LinkAmuleID(name, instanceID string, nativeID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.categories[name]
	if !ok {
		return
	}
	if c.AmuleIDs == nil {
		c.AmuleIDs = map[string]int{}
	}
	c.AmuleIDs[instanceID] = nativeID
	_ = m.saveLocked()
}

// SetClientDefaultPath records the default download directory a given
// instance reported, used as the Default fallback root in path
// translation.
func (m *Manager) SetClientDefaultPath(instanceID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientDefaultPaths[instanceID] = path
}

// Create adds a new category, propagates it to every categories-capable
// connected client, and persists.
func (m *Manager) Create(ctx context.Context, c model.Category) error {
	m.mu.Lock()
	if _, exists := m.categories[c.Name]; exists {
		m.mu.Unlock()
		return apperr.New(apperr.Config, "category %q already exists", c.Name)
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.categories[c.Name] = &c
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.propagate(ctx, c, propagateCreate, "")
	return nil
}

// Update mutates an existing category in place. Default rejects priority
// and name changes (spec.md §4.3).
func (m *Manager) Update(ctx context.Context, name string, patch model.Category) error {
	m.mu.Lock()
	existing, ok := m.categories[name]
	if !ok {
		m.mu.Unlock()
		return apperr.New(apperr.NotFound, "category %q not found", name)
	}
	if name == DefaultName {
		if patch.Priority != existing.Priority {
			m.mu.Unlock()
			return apperr.New(apperr.Config, "cannot change Default category priority")
		}
		if patch.Name != "" && patch.Name != DefaultName {
			m.mu.Unlock()
			return apperr.New(apperr.Config, "cannot rename Default category")
		}
	}
	existing.Color = patch.Color
	existing.Path = patch.Path
	existing.PathMappings = patch.PathMappings
	existing.Comment = patch.Comment
	if name != DefaultName {
		existing.Priority = patch.Priority
	}
	existing.UpdatedAt = time.Now()
	snap := *existing
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.propagate(ctx, snap, propagateUpdate, "")
	return nil
}

// Rename changes a category's name. Rejects Default.
func (m *Manager) Rename(ctx context.Context, oldName, newName string) error {
	if oldName == DefaultName {
		return apperr.New(apperr.Config, "Cannot rename Default category")
	}
	m.mu.Lock()
	c, ok := m.categories[oldName]
	if !ok {
		m.mu.Unlock()
		return apperr.New(apperr.NotFound, "category %q not found", oldName)
	}
	if _, exists := m.categories[newName]; exists {
		m.mu.Unlock()
		return apperr.New(apperr.Config, "category %q already exists", newName)
	}
	delete(m.categories, oldName)
	c.Name = newName
	c.UpdatedAt = time.Now()
	m.categories[newName] = c
	snap := *c
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.propagateRename(ctx, oldName, snap)
	return nil
}

// Delete removes a category. Rejects Default.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if name == DefaultName {
		return apperr.New(apperr.Config, "cannot delete Default category")
	}
	m.mu.Lock()
	if _, ok := m.categories[name]; !ok {
		m.mu.Unlock()
		return apperr.New(apperr.NotFound, "category %q not found", name)
	}
	delete(m.categories, name)
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.propagate(ctx, model.Category{Name: name}, propagateDelete, "")
	return nil
}

type propagateOp int

const (
	propagateCreate propagateOp = iota
	propagateUpdate
	propagateDelete
)

// propagate pushes one category change to every connected,
// categories-capable client concurrently — local mutation has already
// committed by the time this runs (spec.md §5 ordering guarantee 4).
func (m *Manager) propagate(ctx context.Context, c model.Category, op propagateOp, excludeInstanceID string) {
	targets := m.registry.ConnectedWithCapability(func(f captab.Features) bool { return f.Categories })
	var wg sync.WaitGroup
	for _, a := range targets {
		if a.InstanceID() == excludeInstanceID {
			continue
		}
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.applyOp(ctx, a, c, op)
		}()
	}
	wg.Wait()
}

func (m *Manager) propagateRename(ctx context.Context, oldName string, c model.Category) {
	targets := m.registry.ConnectedWithCapability(func(f captab.Features) bool { return f.Categories })
	var wg sync.WaitGroup
	for _, a := range targets {
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.RenameCategory(ctx, oldName, c.Name); err != nil {
				m.log.Warnf("rename category on %s: %v", a.InstanceID(), err)
			}
		}()
	}
	wg.Wait()
}

func (m *Manager) applyOp(ctx context.Context, a adapter.Adapter, c model.Category, op propagateOp) {
	var err error
	switch op {
	case propagateCreate:
		_, err = a.EnsureCategoryExists(ctx, specFor(c))
	case propagateUpdate:
		_, err = a.EditCategory(ctx, specFor(c))
	case propagateDelete:
		err = a.DeleteCategory(ctx, 0, c.Name)
	}
	if err != nil {
		m.log.Warnf("propagate category %q (%v) to %s: %v", c.Name, op, a.InstanceID(), err)
	}
}

func specFor(c model.Category) adapter.CategorySpec {
	return adapter.CategorySpec{Name: c.Name, Path: c.Path, Comment: c.Comment, Color: c.Color, Priority: c.Priority}
}

// PropagateToOtherClients pushes the full category set to every connected
// client except the one that just synced, in one batch per instance.
func (m *Manager) PropagateToOtherClients(ctx context.Context, excludeInstanceID string) {
	snap := m.GetAllForFrontend()
	targets := m.registry.ConnectedWithCapability(func(f captab.Features) bool { return f.Categories })
	var wg sync.WaitGroup
	for _, a := range targets {
		if a.InstanceID() == excludeInstanceID {
			continue
		}
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			specs := make([]adapter.CategorySpec, len(snap))
			for i, c := range snap {
				specs[i] = specFor(c)
			}
			if err := a.EnsureCategoriesBatch(ctx, specs); err != nil {
				m.log.Warnf("batch propagate to %s: %v", a.InstanceID(), err)
			}
		}()
	}
	wg.Wait()
}

// ImportCategory lets an adapter register a category discovered on the
// client side (e.g. during onConnectSync) that the app doesn't know about
// yet.
func (m *Manager) ImportCategory(c model.Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.categories[c.Name]; exists {
		return
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.categories[c.Name] = &c
	_ = m.saveLocked()
}

// TranslatePath is the exported entry point for spec.md §4.3's path
// translation algorithm.
func (m *Manager) TranslatePath(clientPath, clientType, instanceID string) string {
	return m.translatePath(clientPath, clientType, instanceID)
}
