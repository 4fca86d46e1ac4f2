// Package qbittorrent implements the bittorrent-family-A Adapter against
// qBittorrent's WebUI REST API (spec.md §4.1). Unlike aMule's EC bridge,
// the WebUI API is cookie-session authenticated and already speaks
// torrent-native categories and tracker lists. This adapter's FetchData
// makes one torrents/info call per tick and merges in the tracker cache;
// that cache is filled by RefreshSharedFiles, which issues one
// torrents/trackers call per torrent.
package qbittorrent

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/got3nks/amule-web-controller-sub002/internal/adapter"
	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/captab"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
)

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

type torrentInfo struct {
	Hash       string  `json:"hash"`
	Name       string  `json:"name"`
	Size       int64   `json:"size"`
	Progress   float64 `json:"progress"`
	DLSpeed    int64   `json:"dlspeed"`
	UPSpeed    int64   `json:"upspeed"`
	State      string  `json:"state"`
	Category   string  `json:"category"`
	Ratio      float64 `json:"ratio"`
	Uploaded   int64   `json:"uploaded"`
	ETA        int64   `json:"eta"`
	NumSeeds   int     `json:"num_seeds"`
	NumLeechs  int     `json:"num_leechs"`
	AddedOn    int64   `json:"added_on"`
	InfohashV2 string  `json:"infohash_v2"`
}

type trackerInfo struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
}

// Adapter drives one qBittorrent instance over its WebUI REST API.
type Adapter struct {
	adapter.Base

	sess session

	trackersMu sync.Mutex
	trackers   map[string][]string // hash -> tracker URLs, refreshed by RefreshSharedFiles
}

var _ adapter.Adapter = (*Adapter)(nil)

func New(instanceID, host string, port int, username, password string) *Adapter {
	return &Adapter{
		Base:     adapter.NewBase(instanceID, model.ClientQBittorrent, host, port, username, password),
		trackers: map[string][]string{},
	}
}

func (a *Adapter) InitClient(ctx context.Context) (bool, error) {
	if !a.BeginConnect() {
		return a.IsConnected(), nil
	}
	var ok bool
	defer func() { a.EndConnect(ok) }()

	sid, err := login(a.HTTP, a.BaseURL(), a.Username(), a.Password())
	if err != nil {
		return false, err
	}
	a.sess.set(sid)
	ok = true
	return true, nil
}

func (a *Adapter) FetchData(ctx context.Context, categoriesHint []model.Category) (adapter.FetchResult, error) {
	if !a.IsConnected() {
		return adapter.FetchResult{}, nil
	}
	body, status, err := a.get(ctx, "/api/v2/torrents/info", nil)
	if err != nil {
		a.Log.Warnf("%s: fetch torrents/info failed: %v", a.InstanceID(), err)
		a.EndConnect(false)
		return adapter.FetchResult{}, nil
	}
	if status == 403 {
		// session expired mid-tick; the scheduler's reconnect pass will
		// re-login on the next cycle.
		a.EndConnect(false)
		return adapter.FetchResult{}, nil
	}
	var torrents []torrentInfo
	if err := jsonc.Unmarshal(body, &torrents); err != nil {
		a.Log.Warnf("%s: decode torrents/info: %v", a.InstanceID(), err)
		return adapter.FetchResult{}, nil
	}

	meta := captab.MustGet(model.ClientQBittorrent)
	a.trackersMu.Lock()
	trackerSnap := a.trackers
	a.trackersMu.Unlock()

	items := make([]model.UnifiedItem, 0, len(torrents))
	for _, t := range torrents {
		hash := strings.ToLower(t.Hash)
		status := meta.UnifiedStatus(t.State)
		items = append(items, model.UnifiedItem{
			Hash:          hash,
			InstanceID:    a.InstanceID(),
			Client:        model.ClientQBittorrent,
			Name:          t.Name,
			Size:          t.Size,
			SizeDownloaded: int64(float64(t.Size) * t.Progress),
			Progress:      t.Progress,
			DownloadSpeed: t.DLSpeed,
			UploadSpeed:   t.UPSpeed,
			Status:        status,
			Category:      t.Category,
			Downloading:   status == model.StatusActive,
			Complete:      t.Progress >= 1.0,
			Seeding:       meta.IsSeedingNative(t.State),
			UploadTotal:   t.Uploaded,
			Ratio:         t.Ratio,
			ETA:           capETA(t.ETA),
			Sources:       model.Sources{Total: t.NumSeeds + t.NumLeechs, Connected: t.NumSeeds + t.NumLeechs, Seeders: t.NumSeeds},
			InfoHashV2:    t.InfohashV2,
			Trackers:      trackerSnap[hash],
			AddedAt:       time.Unix(t.AddedOn, 0),
		})
	}

	// qBittorrent has no separate "shared" list: downloads and
	// sharedFiles are the same stream (captab.Features.SharedFiles==false).
	return adapter.FetchResult{Downloads: items, SharedFiles: items, Uploads: nil}, nil
}

// capETA enforces the shared 8,640,000s (100 days) sentinel cap so an
// "infinite" native ETA doesn't leak an absurd number to API consumers
// (spec.md §4.13, also applied by the torrent-WebUI compatibility layer).
func capETA(eta int64) int64 {
	const cap = 8_640_000
	if eta < 0 || eta > cap {
		return cap
	}
	return eta
}

func (a *Adapter) Pause(ctx context.Context, hash string) error {
	return a.postForm(ctx, "/api/v2/torrents/stop", url.Values{"hashes": {hash}})
}
func (a *Adapter) Resume(ctx context.Context, hash string) error {
	return a.postForm(ctx, "/api/v2/torrents/start", url.Values{"hashes": {hash}})
}

// Stop maps onto the same native verb as Pause: captab.StopReplacesPause
// is set for this client type, so the core never calls both in the same
// transition (spec.md §4.1).
func (a *Adapter) Stop(ctx context.Context, hash string) error {
	return a.Pause(ctx, hash)
}

func (a *Adapter) AddMagnet(ctx context.Context, uri string, opts adapter.AddOptions) error {
	form := url.Values{"urls": {uri}}
	a.applyAddOptions(form, opts)
	return a.postForm(ctx, "/api/v2/torrents/add", form)
}

func (a *Adapter) AddTorrentRaw(ctx context.Context, data []byte, opts adapter.AddOptions) error {
	return apperr.New(apperr.Protocol, "qbittorrent: raw .torrent upload requires multipart support not wired by this adapter; use AddMagnet")
}

func (a *Adapter) applyAddOptions(form url.Values, opts adapter.AddOptions) {
	if opts.CategoryName != "" {
		form.Set("category", opts.CategoryName)
	}
}

func (a *Adapter) AddSearchResult(ctx context.Context, resultHash string, categoryID int) error {
	return apperr.New(apperr.Protocol, "qbittorrent: search results are not a bittorrent concept")
}
func (a *Adapter) AddEd2kLink(ctx context.Context, link string, categoryID int) error {
	return apperr.New(apperr.Protocol, "qbittorrent: ed2k links are not a bittorrent concept")
}

func (a *Adapter) SetCategoryOrLabel(ctx context.Context, hash, categoryName string, priority int) error {
	// categoryChangeAutoMoves: qBittorrent relocates the torrent's files
	// to the new category's save path itself once this call succeeds
	// (spec.md §4.7); the core's move manager must not also queue a move.
	return a.postForm(ctx, "/api/v2/torrents/setCategory", url.Values{"hashes": {hash}, "category": {categoryName}})
}

func (a *Adapter) DeleteItem(ctx context.Context, hash string, opts adapter.DeleteOptions) (adapter.DeleteResult, error) {
	// apiDeletesFiles: qBittorrent's own delete endpoint removes files
	// from disk when deleteFiles is true, so the core never needs to
	// follow up with its own filesystem delete (spec.md §4.1 contract).
	form := url.Values{"hashes": {hash}, "deleteFiles": {strconv.FormatBool(opts.DeleteFiles)}}
	if err := a.postForm(ctx, "/api/v2/torrents/delete", form); err != nil {
		return adapter.DeleteResult{}, err
	}
	return adapter.DeleteResult{Success: true}, nil
}

func (a *Adapter) UpdateDirectory(ctx context.Context, hash, path string) error {
	return a.postForm(ctx, "/api/v2/torrents/setLocation", url.Values{"hashes": {hash}, "location": {path}})
}

func (a *Adapter) GetFiles(ctx context.Context, hash string) ([]string, error) {
	body, _, err := a.get(ctx, "/api/v2/torrents/files", url.Values{"hash": {hash}})
	if err != nil {
		return nil, err
	}
	var files []struct {
		Name string `json:"name"`
	}
	if err := jsonc.Unmarshal(body, &files); err != nil {
		return nil, apperr.Wrap(apperr.Protocol, err, "decode torrents/files")
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name
	}
	return out, nil
}

func (a *Adapter) EnsureCategoryExists(ctx context.Context, spec adapter.CategorySpec) (adapter.CategoryResult, error) {
	form := url.Values{"category": {spec.Name}, "savePath": {spec.Path}}
	if err := a.postForm(ctx, "/api/v2/torrents/createCategory", form); err != nil {
		// qBittorrent returns 409 if the category already exists, which is
		// not a failure from this adapter's point of view.
		if !apperr.Is(err, apperr.Config) {
			return adapter.CategoryResult{}, err
		}
	}
	return adapter.CategoryResult{Verified: true}, nil
}

func (a *Adapter) EnsureCategoriesBatch(ctx context.Context, specs []adapter.CategorySpec) error {
	for _, s := range specs {
		if _, err := a.EnsureCategoryExists(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) EditCategory(ctx context.Context, spec adapter.CategorySpec) (adapter.CategoryResult, error) {
	form := url.Values{"category": {spec.Name}, "savePath": {spec.Path}}
	if err := a.postForm(ctx, "/api/v2/torrents/editCategory", form); err != nil {
		return adapter.CategoryResult{}, err
	}
	return adapter.CategoryResult{Verified: true}, nil
}

// RenameCategory has no native qBittorrent equivalent; the core's
// propagation falls back to create-then-remove, matching what a manual
// WebUI rename does under the hood.
func (a *Adapter) RenameCategory(ctx context.Context, oldName, newName string) error {
	if err := a.postForm(ctx, "/api/v2/torrents/createCategory", url.Values{"category": {newName}}); err != nil {
		return err
	}
	return a.postForm(ctx, "/api/v2/torrents/removeCategories", url.Values{"categories": {oldName}})
}

func (a *Adapter) DeleteCategory(ctx context.Context, id int, name string) error {
	return a.postForm(ctx, "/api/v2/torrents/removeCategories", url.Values{"categories": {name}})
}

func (a *Adapter) EnsureAmuleCategoryID(ctx context.Context, name string) (int, error) {
	return 0, apperr.New(apperr.NotFound, "qbittorrent: no numeric category id concept")
}

func (a *Adapter) OnConnectSync(ctx context.Context, target adapter.CategorySyncTarget) error {
	for _, c := range target.GetCategoriesSnapshot() {
		if _, err := a.EnsureCategoryExists(ctx, adapter.CategorySpec{Name: c.Name, Path: c.Path}); err != nil {
			a.Log.Warnf("onConnectSync: category %q: %v", c.Name, err)
		}
	}
	return nil
}

func (a *Adapter) GetStats(ctx context.Context) (any, error) {
	body, _, err := a.get(ctx, "/api/v2/transfer/info", nil)
	if err != nil {
		return nil, err
	}
	var stats map[string]any
	if err := jsonc.Unmarshal(body, &stats); err != nil {
		return nil, apperr.Wrap(apperr.Protocol, err, "decode transfer/info")
	}
	return stats, nil
}

func (a *Adapter) ExtractMetrics(raw any) adapter.Metrics {
	m, ok := raw.(map[string]any)
	if !ok {
		return adapter.Metrics{}
	}
	return adapter.Metrics{
		UploadSpeed:   toInt64(m["up_info_speed"]),
		DownloadSpeed: toInt64(m["dl_info_speed"]),
		UploadTotal:   toInt64(m["up_info_data"]),
		DownloadTotal: toInt64(m["dl_info_data"]),
	}
}

func (a *Adapter) GetNetworkStatus(raw any) adapter.NetworkStatus {
	m, ok := raw.(map[string]any)
	if !ok {
		return adapter.NetworkStatus{Status: "red", Text: "unknown"}
	}
	state, _ := m["connection_status"].(string)
	status := "yellow"
	if state == "connected" {
		status = "green"
	} else if state == "firewalled" {
		status = "yellow"
	} else {
		status = "red"
	}
	return adapter.NetworkStatus{Status: status, Text: state}
}

func (a *Adapter) ExtractHistoryMetadata(item model.UnifiedItem) map[string]any {
	return map[string]any{"infoHashV2": item.InfoHashV2, "trackers": item.Trackers}
}

// RefreshSharedFiles doubles as the tracker-refresh loop spec.md §4.1
// calls for: one torrents/info pass returns the current hash set, then
// one torrents/trackers call per hash populates the cache FetchData
// merges in on the next tick. qBittorrent's wire API has no bulk
// "trackers for every torrent" endpoint (unlike a true multicall
// transport), so this cannot reach the ideal two-round-trip bound the
// spec describes for transports that do support batching; see
// transmission's RefreshSharedFiles, which gets there in one call because
// Transmission's torrent-get already returns trackerStats/peers inline.
func (a *Adapter) RefreshSharedFiles(ctx context.Context) error {
	body, _, err := a.get(ctx, "/api/v2/torrents/info", nil)
	if err != nil {
		return err
	}
	var torrents []torrentInfo
	if err := jsonc.Unmarshal(body, &torrents); err != nil {
		return apperr.Wrap(apperr.Protocol, err, "decode torrents/info for tracker refresh")
	}

	next := make(map[string][]string, len(torrents))
	for _, t := range torrents {
		hash := strings.ToLower(t.Hash)
		tbody, _, err := a.get(ctx, "/api/v2/torrents/trackers", url.Values{"hash": {hash}})
		if err != nil {
			continue
		}
		var trackers []trackerInfo
		if err := jsonc.Unmarshal(tbody, &trackers); err != nil {
			continue
		}
		urls := make([]string, 0, len(trackers))
		for _, tr := range trackers {
			if strings.HasPrefix(tr.URL, "http") || strings.HasPrefix(tr.URL, "udp") {
				urls = append(urls, tr.URL)
			}
		}
		next[hash] = urls
	}

	a.trackersMu.Lock()
	a.trackers = next
	a.trackersMu.Unlock()
	return nil
}

// --- transport helpers -----------------------------------------------

func (a *Adapter) get(ctx context.Context, path string, form url.Values) ([]byte, int, error) {
	return doRequest(a.HTTP, &a.sess, "GET", a.BaseURL(), path, form)
}

func (a *Adapter) postForm(ctx context.Context, path string, form url.Values) error {
	body, status, err := doRequest(a.HTTP, &a.sess, "POST", a.BaseURL(), path, form)
	if err != nil {
		return err
	}
	if status == 409 {
		return apperr.New(apperr.Config, "qbittorrent: %s conflict: %s", path, body)
	}
	if status >= 400 {
		return apperr.New(apperr.Protocol, "qbittorrent: %s status %d: %s", path, status, body)
	}
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
