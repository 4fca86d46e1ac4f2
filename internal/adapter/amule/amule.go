// Package amule implements the ed2k-family Adapter against an aMule
// instance's EC (External Connection) interface, reached here through a
// JSON-over-HTTP bridge (amule-web-controller's companion EC proxy) rather
// than the raw binary EC protocol — wire-level framing is explicitly out
// of scope for this module (spec.md §1 "each adapter interprets protocol
// wire formats itself").
package amule

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/got3nks/amule-web-controller-sub002/internal/adapter"
	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/captab"
	"github.com/got3nks/amule-web-controller-sub002/internal/category"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
)

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

type ecDownload struct {
	Hash       string `json:"hash"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Downloaded int64  `json:"sizeDone"`
	Speed      int64  `json:"speed"`
	Status     string `json:"status"` // native numeric status, as string
	Category   string `json:"category"`
	Sources    int    `json:"sourceCount"`
	SourcesA4AF int   `json:"a4afCount"`
	Priority   string `json:"priority"`
}

type ecShared struct {
	Hash     string `json:"hash"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	UpSpeed  int64  `json:"upSpeed"`
	UpTotal  int64  `json:"upTotal"`
	Requests int    `json:"requests"`
	Category string `json:"category"`
}

type ecSearchResult struct {
	Hash            string `json:"hash"`
	Name            string `json:"name"`
	Size            int64  `json:"size"`
	Sources         int    `json:"sources"`
	SourcesComplete int    `json:"sourcesComplete"`
	Ed2kLink        string `json:"ed2kLink"`
}

type ecServer struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Users     int    `json:"users"`
	MaxUsers  int    `json:"maxUsers"`
	Files     int    `json:"files"`
	Ping      int    `json:"ping"`
	Connected bool   `json:"connected"`
}

var _ adapter.Searcher = (*Adapter)(nil)
var _ adapter.ServerLister = (*Adapter)(nil)

// Adapter drives one aMule instance. Category tracking (native numeric
// category IDs keyed by name) lives here because only the adapter can
// translate between the app's category names and aMule's index-based
// category slots.
type Adapter struct {
	adapter.Base

	mu           sync.RWMutex
	categoryIDs  map[string]int // category name -> aMule numeric slot
	nextCatID    int
	trackerMu    sync.Mutex
	lastSharedAt time.Time
}

var _ adapter.Adapter = (*Adapter)(nil)

func New(instanceID, host string, port int, username, password string) *Adapter {
	return &Adapter{
		Base:        adapter.NewBase(instanceID, model.ClientAmule, host, port, username, password),
		categoryIDs: map[string]int{model.DefaultCategoryName: 0},
		nextCatID:   1,
	}
}

func (a *Adapter) InitClient(ctx context.Context) (bool, error) {
	if !a.BeginConnect() {
		// another caller is already connecting; report the best known state.
		return a.IsConnected(), nil
	}
	var ok bool
	defer func() { a.EndConnect(ok) }()

	var ver struct {
		Version string `json:"version"`
	}
	if err := a.getJSON(ctx, "/ec/version", &ver); err != nil {
		return false, apperr.Wrap(apperr.Transport, err, "amule %s: version check failed", a.InstanceID())
	}
	ok = true
	return true, nil
}

func (a *Adapter) FetchData(ctx context.Context, categoriesHint []model.Category) (adapter.FetchResult, error) {
	if !a.IsConnected() {
		return adapter.FetchResult{}, nil
	}
	var downloads []ecDownload
	if err := a.getJSON(ctx, "/ec/downloads", &downloads); err != nil {
		a.Log.Warnf("%s: fetch downloads failed: %v", a.InstanceID(), err)
		a.markDisconnected()
		return adapter.FetchResult{}, nil
	}
	var shared []ecShared
	if err := a.getJSON(ctx, "/ec/shared", &shared); err != nil {
		a.Log.Warnf("%s: fetch shared failed: %v", a.InstanceID(), err)
		shared = nil
	}

	meta := captab.MustGet(model.ClientAmule)
	items := make([]model.UnifiedItem, 0, len(downloads))
	for _, d := range downloads {
		status := meta.UnifiedStatus(d.Status)
		progress := 0.0
		if d.Size > 0 {
			progress = float64(d.Downloaded) / float64(d.Size)
		}
		items = append(items, model.UnifiedItem{
			Hash:           strings.ToLower(d.Hash),
			InstanceID:     a.InstanceID(),
			Client:         model.ClientAmule,
			Name:           d.Name,
			Size:           d.Size,
			SizeDownloaded: d.Downloaded,
			Progress:       progress,
			DownloadSpeed:  d.Speed,
			Status:         status,
			Category:       d.Category,
			Downloading:    status == model.StatusActive,
			Complete:       progress >= 1.0,
			Sources: model.Sources{
				Total:     d.Sources,
				Connected: d.Sources,
				A4AF:      d.SourcesA4AF,
			},
		})
	}

	sharedItems := make([]model.UnifiedItem, 0, len(shared))
	for _, s := range shared {
		sharedItems = append(sharedItems, model.UnifiedItem{
			Hash:          strings.ToLower(s.Hash),
			InstanceID:    a.InstanceID(),
			Client:        model.ClientAmule,
			Name:          s.Name,
			Size:          s.Size,
			UploadSpeed:   s.UpSpeed,
			UploadTotal:   s.UpTotal,
			Category:      s.Category,
			Shared:        true,
			Complete:      true, // sharedMeansComplete
			Progress:      1.0,
			Status:        model.StatusSeeding,
			Seeding:       true,
		})
	}

	return adapter.FetchResult{Downloads: items, SharedFiles: sharedItems, Uploads: nil}, nil
}

func (a *Adapter) markDisconnected() {
	a.SetEnabledIfConnectedFalse()
}

// SetEnabledIfConnectedFalse flips the connected flag off without
// disabling the instance, so the scheduler's per-adapter reconnect
// (spec.md §4.9, 30s) picks it back up.
func (a *Adapter) SetEnabledIfConnectedFalse() {
	a.EndConnect(false)
}

func (a *Adapter) Pause(ctx context.Context, hash string) error {
	return a.postAction(ctx, "/ec/pause", hash)
}
func (a *Adapter) Resume(ctx context.Context, hash string) error {
	return a.postAction(ctx, "/ec/resume", hash)
}
func (a *Adapter) Stop(ctx context.Context, hash string) error {
	return a.postAction(ctx, "/ec/cancel", hash) // ed2k has no separate stop; cancel is the closest native verb
}

func (a *Adapter) AddMagnet(ctx context.Context, uri string, opts adapter.AddOptions) error {
	return apperr.New(apperr.Protocol, "amule: magnet links are not an ed2k concept")
}
func (a *Adapter) AddTorrentRaw(ctx context.Context, data []byte, opts adapter.AddOptions) error {
	return apperr.New(apperr.Protocol, "amule: .torrent files are not an ed2k concept")
}

func (a *Adapter) AddSearchResult(ctx context.Context, resultHash string, categoryID int) error {
	body := map[string]any{"hash": resultHash, "category": categoryID}
	return a.postJSON(ctx, "/ec/download_search_result", body)
}

// Search implements adapter.Searcher: the ed2k network-wide search a
// Torznab indexer query proxies to. aMule runs searches asynchronously
// (start, poll, results); the EC bridge collapses that into one blocking
// call bounded by ctx.
func (a *Adapter) Search(ctx context.Context, query string) ([]model.SearchResult, error) {
	var results []ecSearchResult
	path := "/ec/search?query=" + url.QueryEscape(query)
	if err := a.getJSON(ctx, path, &results); err != nil {
		return nil, apperr.Wrap(apperr.Transport, err, "amule %s: search failed", a.InstanceID())
	}
	out := make([]model.SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, model.SearchResult{
			ResultHash: r.Hash,
			Name:       r.Name,
			Size:       r.Size,
			Sources:    r.Sources,
			SourcesC:   r.SourcesComplete,
			Ed2kLink:   r.Ed2kLink,
		})
	}
	return out, nil
}

// GetServersList implements adapter.ServerLister.
func (a *Adapter) GetServersList(ctx context.Context) ([]model.Server, error) {
	var servers []ecServer
	if err := a.getJSON(ctx, "/ec/servers", &servers); err != nil {
		return nil, apperr.Wrap(apperr.Transport, err, "amule %s: servers list failed", a.InstanceID())
	}
	out := make([]model.Server, 0, len(servers))
	for _, s := range servers {
		out = append(out, model.Server{
			Name: s.Name, Address: s.Address, Port: s.Port,
			Users: s.Users, MaxUsers: s.MaxUsers, Files: s.Files,
			Ping: s.Ping, Connected: s.Connected,
		})
	}
	return out, nil
}

// ServerDoAction implements adapter.ServerLister: action is one of
// "connect", "disconnect", "remove".
func (a *Adapter) ServerDoAction(ctx context.Context, action, address string, port int) error {
	body := map[string]any{"action": action, "address": address, "port": port}
	return a.postJSON(ctx, "/ec/server_action", body)
}

func (a *Adapter) AddEd2kLink(ctx context.Context, link string, categoryID int) error {
	body := map[string]any{"link": link, "category": categoryID}
	return a.postJSON(ctx, "/ec/add_link", body)
}

func (a *Adapter) SetCategoryOrLabel(ctx context.Context, hash, categoryName string, priority int) error {
	meta := captab.MustGet(model.ClientAmule)
	native, _ := meta.NativePriority(priority)
	body := map[string]any{"hash": hash, "category": categoryName, "priority": native}
	return a.postJSON(ctx, "/ec/set_category", body)
}

func (a *Adapter) DeleteItem(ctx context.Context, hash string, opts adapter.DeleteOptions) (adapter.DeleteResult, error) {
	var resp struct {
		Path string `json:"path"`
	}
	body := map[string]any{"hash": hash, "shared": opts.IsShared}
	if err := a.postJSONResult(ctx, "/ec/delete", body, &resp); err != nil {
		return adapter.DeleteResult{}, err
	}
	// removeSharedMustDeleteFiles: the aMule EC API un-shares but does not
	// remove the file from disk itself; the core must do that using the
	// path returned here (spec.md §4.1 DeleteItem contract, scenario S4).
	if resp.Path == "" {
		return adapter.DeleteResult{Success: true}, nil
	}
	return adapter.DeleteResult{Success: true, PathsToDelete: []string{resp.Path}}, nil
}

func (a *Adapter) UpdateDirectory(ctx context.Context, hash, path string) error {
	return a.postJSON(ctx, "/ec/set_directory", map[string]any{"hash": hash, "path": path})
}

func (a *Adapter) GetFiles(ctx context.Context, hash string) ([]string, error) {
	var files []string
	err := a.getJSON(ctx, "/ec/files?hash="+hash, &files)
	return files, err
}

func (a *Adapter) EnsureCategoryExists(ctx context.Context, spec adapter.CategorySpec) (adapter.CategoryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.categoryIDs[spec.Name]; ok {
		return adapter.CategoryResult{AmuleID: id, Verified: true}, nil
	}
	var resp struct {
		ID int `json:"id"`
	}
	body := map[string]any{"name": spec.Name, "path": spec.Path, "comment": spec.Comment, "color": category.HexColorToAmule(spec.Color)}
	if err := a.postJSONResult(ctx, "/ec/category_create", body, &resp); err != nil {
		return adapter.CategoryResult{}, err
	}
	a.categoryIDs[spec.Name] = resp.ID
	if resp.ID >= a.nextCatID {
		a.nextCatID = resp.ID + 1
	}
	return adapter.CategoryResult{AmuleID: resp.ID, Verified: true}, nil
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
	body := map[string]any{
		"id": spec.ID, "name": spec.Name, "path": spec.Path,
		"defaultPath": spec.DefaultPath, "comment": spec.Comment,
		"color": category.HexColorToAmule(spec.Color), "priority": spec.Priority,
	}
	var resp struct {
		Path string `json:"path"`
	}
	if err := a.postJSONResult(ctx, "/ec/category_edit", body, &resp); err != nil {
		return adapter.CategoryResult{}, err
	}
	if resp.Path != spec.Path {
		return adapter.CategoryResult{Verified: false, Mismatches: []string{"path"}}, nil
	}
	return adapter.CategoryResult{Verified: true}, nil
}

func (a *Adapter) RenameCategory(ctx context.Context, oldName, newName string) error {
	a.mu.Lock()
	if id, ok := a.categoryIDs[oldName]; ok {
		delete(a.categoryIDs, oldName)
		a.categoryIDs[newName] = id
	}
	a.mu.Unlock()
	return a.postJSON(ctx, "/ec/category_rename", map[string]any{"oldName": oldName, "newName": newName})
}

func (a *Adapter) DeleteCategory(ctx context.Context, id int, name string) error {
	a.mu.Lock()
	delete(a.categoryIDs, name)
	a.mu.Unlock()
	return a.postJSON(ctx, "/ec/category_delete", map[string]any{"id": id})
}

func (a *Adapter) EnsureAmuleCategoryID(ctx context.Context, name string) (int, error) {
	res, err := a.EnsureCategoryExists(ctx, adapter.CategorySpec{Name: name})
	if err != nil {
		return 0, err
	}
	return res.AmuleID, nil
}

func (a *Adapter) OnConnectSync(ctx context.Context, target adapter.CategorySyncTarget) error {
	for _, c := range target.GetCategoriesSnapshot() {
		res, err := a.EnsureCategoryExists(ctx, adapter.CategorySpec{
			Name: c.Name, Path: c.Path, Comment: c.Comment, Color: c.Color, Priority: c.Priority,
		})
		if err != nil {
			a.Log.Warnf("onConnectSync: category %q: %v", c.Name, err)
			continue
		}
		target.LinkAmuleID(c.Name, a.InstanceID(), res.AmuleID)
	}
	return nil
}

func (a *Adapter) GetStats(ctx context.Context) (any, error) {
	var stats map[string]any
	err := a.getJSON(ctx, "/ec/stats", &stats)
	return stats, err
}

func (a *Adapter) ExtractMetrics(raw any) adapter.Metrics {
	m, ok := raw.(map[string]any)
	if !ok {
		return adapter.Metrics{}
	}
	return adapter.Metrics{
		UploadSpeed:   toInt64(m["upSpeed"]),
		DownloadSpeed: toInt64(m["downSpeed"]),
		UploadTotal:   toInt64(m["upTotal"]),
		DownloadTotal: toInt64(m["downTotal"]),
		PID:           int(toInt64(m["pid"])),
	}
}

func (a *Adapter) GetNetworkStatus(raw any) adapter.NetworkStatus {
	m, ok := raw.(map[string]any)
	if !ok {
		return adapter.NetworkStatus{Status: "red", Text: "unknown"}
	}
	portOpen, _ := m["portOpen"].(bool)
	status := "yellow"
	if portOpen {
		status = "green"
	}
	return adapter.NetworkStatus{Status: status, Text: fmt.Sprintf("%v", m["kadState"]), PortOpen: portOpen, ListenPort: int(toInt64(m["tcpPort"]))}
}

func (a *Adapter) ExtractHistoryMetadata(item model.UnifiedItem) map[string]any {
	return map[string]any{"ed2kLink": item.Ed2kLink}
}

func (a *Adapter) RefreshSharedFiles(ctx context.Context) error {
	a.trackerMu.Lock()
	defer a.trackerMu.Unlock()
	a.lastSharedAt = time.Now()
	return a.postJSON(ctx, "/ec/refresh_shared", nil)
}

// --- transport helpers -----------------------------------------------

func (a *Adapter) getJSON(ctx context.Context, path string, out any) error {
	body, err := a.do(ctx, "GET", path, nil)
	if err != nil {
		return err
	}
	return jsonc.Unmarshal(body, out)
}

func (a *Adapter) postAction(ctx context.Context, path, hash string) error {
	return a.postJSON(ctx, path, map[string]any{"hash": hash})
}

func (a *Adapter) postJSON(ctx context.Context, path string, body any) error {
	return a.postJSONResult(ctx, path, body, nil)
}

func (a *Adapter) postJSONResult(ctx context.Context, path string, body any, out any) error {
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "marshaling request body")
		}
	}
	resp, err := a.do(ctx, "POST", path, payload)
	if err != nil {
		return err
	}
	if out == nil || len(resp) == 0 {
		return nil
	}
	return jsonc.Unmarshal(resp, out)
}

func (a *Adapter) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	return doRequest(a.HTTP, method, a.BaseURL()+path, a.Username(), a.Password(), body)
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
