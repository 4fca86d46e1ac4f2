// Package webui implements the torrent-WebUI-compatible REST facade
// (spec.md §4.12): a subset of qBittorrent's WebUI API sufficient for
// third-party automation tools, backed entirely by the ed2k pipeline
// data and a synthetic 40-hex hash so ed2k downloads look like torrents
// to a client that only understands the torrent vocabulary.
package webui

import (
	"context"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/got3nks/amule-web-controller-sub002/internal/adapter"
	"github.com/got3nks/amule-web-controller-sub002/internal/category"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
	"github.com/got3nks/amule-web-controller-sub002/internal/pipeline"
	"github.com/got3nks/amule-web-controller-sub002/internal/registry"
	"github.com/got3nks/amule-web-controller-sub002/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const etaCap = 8_640_000

// Credentials is the facade's own HTTP Basic auth check, separate from
// the WebSocket Hub's cookie session (spec.md §4.12: "username+password
// OR username=anything with API key as password; Admin-only").
type Credentials interface {
	VerifyBasic(ctx context.Context, username, password string) bool
}

type Facade struct {
	registry *registry.Registry
	cache    *pipeline.Cache
	hashes   *store.SyntheticHashStore
	categories *category.Manager
	creds    Credentials
	authEnabled bool
}

func New(reg *registry.Registry, cache *pipeline.Cache, hashes *store.SyntheticHashStore, categories *category.Manager, creds Credentials, authEnabled bool) *Facade {
	return &Facade{registry: reg, cache: cache, hashes: hashes, categories: categories, creds: creds, authEnabled: authEnabled}
}

func (f *Facade) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v2/auth/login", f.withAuth(f.handleLogin))
	mux.HandleFunc("/api/v2/auth/logout", f.withAuth(f.handleLogout))
	mux.HandleFunc("/api/v2/app/version", f.withAuth(f.handleVersion))
	mux.HandleFunc("/api/v2/app/webapiVersion", f.withAuth(f.handleWebAPIVersion))
	mux.HandleFunc("/api/v2/app/preferences", f.withAuth(f.handlePreferences))
	mux.HandleFunc("/api/v2/torrents/info", f.withAuth(f.handleTorrentsInfo))
	mux.HandleFunc("/api/v2/torrents/add", f.withAuth(f.handleTorrentsAdd))
	mux.HandleFunc("/api/v2/torrents/delete", f.withAuth(f.handleTorrentsDelete))
	mux.HandleFunc("/api/v2/torrents/pause", f.withAuth(f.handleTorrentsPause))
	mux.HandleFunc("/api/v2/torrents/resume", f.withAuth(f.handleTorrentsResume))
	mux.HandleFunc("/api/v2/torrents/categories", f.withAuth(f.handleCategories))
	mux.HandleFunc("/api/v2/torrents/createCategory", f.withAuth(f.handleCreateCategory))
}

// withAuth enforces HTTP Basic auth (or bypasses it entirely in
// auth-disabled mode), admin-only, matching every other facade endpoint.
func (f *Facade) withAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !f.authEnabled {
			h(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok || !f.creds.VerifyBasic(r.Context(), username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="torrent-webui"`)
			http.Error(w, "Fails.", http.StatusForbidden)
			return
		}
		h(w, r)
	}
}

func (f *Facade) handleLogin(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("Ok."))
}

func (f *Facade) handleLogout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (f *Facade) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("v4.6.0"))
}

func (f *Facade) handleWebAPIVersion(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("2.9.3"))
}

func (f *Facade) handlePreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"save_path": "/downloads", "max_active_downloads": -1})
}

// nativeStateToken reduces the unified Status (and complete/downloading
// flags) back to the torrent-family vocabulary spec.md §4.12 requires
// for ed2k items, so downstream automation sees the same state strings
// it would get from a real torrent client.
func nativeStateToken(it model.UnifiedItem) string {
	switch {
	case it.Status == model.StatusError:
		return "error"
	case it.Status == model.StatusMoving:
		return "moving"
	case it.Status == model.StatusChecking:
		return "checkingDL"
	case it.Seeding:
		return "uploading"
	case it.Complete:
		return "stalledUP"
	case it.Downloading:
		return "downloading"
	case it.Status == model.StatusPaused:
		return "pausedDL"
	case it.Status == model.StatusStopped:
		return "queuedDL"
	default:
		return "metaDL"
	}
}

func (f *Facade) handleTorrentsInfo(w http.ResponseWriter, r *http.Request) {
	batch := f.cache.Latest()
	out := make([]map[string]any, 0, len(batch.Items))
	for _, it := range batch.Items {
		if it.Client != model.ClientAmule {
			// BitTorrent-family items already speak this vocabulary
			// natively and are exposed through their own client's WebUI;
			// this facade's purpose is specifically the ed2k bridge.
			continue
		}
		synthetic, err := f.hashes.SyntheticFor(it.Hash)
		if err != nil {
			continue
		}
		eta := it.ETA
		if it.DownloadSpeed == 0 || it.Complete {
			eta = etaCap
		}
		out = append(out, map[string]any{
			"hash":         synthetic,
			"name":         it.Name,
			"size":         it.Size,
			"progress":     it.Progress,
			"dlspeed":      it.DownloadSpeed,
			"upspeed":      it.UploadSpeed,
			"state":        nativeStateToken(it),
			"category":     it.Category,
			"eta":          eta,
			"num_seeds":    it.Sources.Seeders,
			"num_leechs":   it.Sources.Total,
			"added_on":     it.AddedAt.Unix(),
		})
	}
	writeJSON(w, out)
}

func (f *Facade) findByHash(synthetic string) (model.UnifiedItem, adapter.Adapter, bool) {
	ed2kHash, ok := f.hashes.Ed2kFor(synthetic)
	if !ok {
		return model.UnifiedItem{}, nil, false
	}
	for _, it := range f.cache.Latest().Items {
		if it.Hash == ed2kHash {
			a, ok := f.registry.Get(it.InstanceID)
			return it, a, ok
		}
	}
	return model.UnifiedItem{}, nil, false
}

func (f *Facade) handleTorrentsAdd(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	urls := strings.Split(r.FormValue("urls"), "\n")
	instanceID := r.FormValue("instanceId")
	a, ok := f.registry.Get(instanceID)
	if !ok {
		for _, candidate := range f.registry.GetByType(model.ClientAmule) {
			a = candidate
			ok = true
			break
		}
	}
	if !ok {
		http.Error(w, "no ed2k instance available", http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		_ = a.AddEd2kLink(ctx, u, 0)
	}
	w.Write([]byte("Ok."))
}

func (f *Facade) forEachRequestedHash(r *http.Request, fn func(it model.UnifiedItem, a adapter.Adapter)) {
	hashes := strings.Split(r.FormValue("hashes"), "|")
	for _, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		it, a, ok := f.findByHash(h)
		if !ok {
			continue
		}
		fn(it, a)
	}
}

func (f *Facade) handleTorrentsDelete(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	deleteFiles := r.FormValue("deleteFiles") == "true"
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	f.forEachRequestedHash(r, func(it model.UnifiedItem, a adapter.Adapter) {
		_, _ = a.DeleteItem(ctx, it.Hash, adapter.DeleteOptions{DeleteFiles: deleteFiles})
	})
	w.Write([]byte("Ok."))
}

func (f *Facade) handleTorrentsPause(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	f.forEachRequestedHash(r, func(it model.UnifiedItem, a adapter.Adapter) {
		_ = a.Pause(ctx, it.Hash)
	})
	w.Write([]byte("Ok."))
}

func (f *Facade) handleTorrentsResume(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	f.forEachRequestedHash(r, func(it model.UnifiedItem, a adapter.Adapter) {
		_ = a.Resume(ctx, it.Hash)
	})
	w.Write([]byte("Ok."))
}

func (f *Facade) handleCategories(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	for _, c := range f.categories.GetAllForFrontend() {
		out[c.Name] = map[string]any{"name": c.Name, "savePath": c.Path}
	}
	writeJSON(w, out)
}

func (f *Facade) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	name := r.FormValue("category")
	if err := f.categories.Create(ctx, model.Category{Name: name, Path: r.FormValue("savePath")}); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Write([]byte("Ok."))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	buf, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Write(buf)
}
