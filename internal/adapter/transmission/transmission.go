// Package transmission implements the bittorrent-family-B Adapter
// against Transmission's JSON-RPC interface (spec.md §4.1). Transmission
// carries no native category/label concept the app can drive remotely
// (captab.Features.Categories is false for this type), so the
// category-propagation methods are intentional no-ops rather than
// partial translations that would silently misrepresent app state.
package transmission

import (
	"context"
	"encoding/base64"
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

type rpcRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

type rpcResponse struct {
	Result    string `json:"result"`
	Arguments any    `json:"arguments"`
}

type rpcTorrent struct {
	ID                 int     `json:"id"`
	HashString         string  `json:"hashString"`
	Name               string  `json:"name"`
	TotalSize          int64   `json:"totalSize"`
	PercentDone        float64 `json:"percentDone"`
	RateDownload       int64   `json:"rateDownload"`
	RateUpload         int64   `json:"rateUpload"`
	Status             int     `json:"status"`
	UploadedEver       int64   `json:"uploadedEver"`
	UploadRatio        float64 `json:"uploadRatio"`
	Eta                int64   `json:"eta"`
	PeersConnected     int     `json:"peersConnected"`
	PeersSendingToUs   int     `json:"peersSendingToUs"`
	PeersGettingFromUs int     `json:"peersGettingFromUs"`
	AddedDate          int64   `json:"addedDate"`
	DownloadDir        string  `json:"downloadDir"`
}

var torrentGetFields = []string{
	"id", "hashString", "name", "totalSize", "percentDone", "rateDownload", "rateUpload",
	"status", "uploadedEver", "uploadRatio", "eta", "peersConnected", "peersSendingToUs",
	"peersGettingFromUs", "addedDate", "downloadDir",
}

// Adapter drives one Transmission daemon over its JSON-RPC API.
type Adapter struct {
	adapter.Base
	sess sessionID

	trackersMu sync.Mutex
	trackers   map[string]trackerCacheEntry // hashString -> peers/trackers, refreshed by RefreshSharedFiles
}

type trackerCacheEntry struct {
	peers    []model.Peer
	trackers []string
}

var _ adapter.Adapter = (*Adapter)(nil)

func New(instanceID, host string, port int, username, password string) *Adapter {
	return &Adapter{
		Base:     adapter.NewBase(instanceID, model.ClientTransmission, host, port, username, password),
		trackers: map[string]trackerCacheEntry{},
	}
}

func (a *Adapter) InitClient(ctx context.Context) (bool, error) {
	if !a.BeginConnect() {
		return a.IsConnected(), nil
	}
	var ok bool
	defer func() { a.EndConnect(ok) }()

	if _, err := a.call(ctx, "session-get", nil); err != nil {
		return false, err
	}
	ok = true
	return true, nil
}

func (a *Adapter) call(ctx context.Context, method string, args any) ([]byte, error) {
	payload, err := jsonc.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "marshal transmission rpc request")
	}
	body, err := rpc(a.HTTP, &a.sess, a.BaseURL(), a.Username(), a.Password(), payload)
	if err != nil {
		return nil, err
	}
	var env rpcResponse
	if err := jsonc.Unmarshal(body, &env); err != nil {
		return nil, apperr.Wrap(apperr.Protocol, err, "decode transmission rpc response")
	}
	if env.Result != "success" {
		return nil, apperr.New(apperr.Protocol, "transmission %s: %s", method, env.Result)
	}
	argBuf, err := jsonc.Marshal(env.Arguments)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "re-marshal transmission arguments")
	}
	return argBuf, nil
}

func (a *Adapter) FetchData(ctx context.Context, categoriesHint []model.Category) (adapter.FetchResult, error) {
	if !a.IsConnected() {
		return adapter.FetchResult{}, nil
	}
	argBuf, err := a.call(ctx, "torrent-get", map[string]any{"fields": torrentGetFields})
	if err != nil {
		a.Log.Warnf("%s: torrent-get failed: %v", a.InstanceID(), err)
		a.EndConnect(false)
		return adapter.FetchResult{}, nil
	}
	var args struct {
		Torrents []rpcTorrent `json:"torrents"`
	}
	if err := jsonc.Unmarshal(argBuf, &args); err != nil {
		a.Log.Warnf("%s: decode torrent-get: %v", a.InstanceID(), err)
		return adapter.FetchResult{}, nil
	}

	meta := captab.MustGet(model.ClientTransmission)
	a.trackersMu.Lock()
	trackerSnap := a.trackers
	a.trackersMu.Unlock()

	items := make([]model.UnifiedItem, 0, len(args.Torrents))
	for _, t := range args.Torrents {
		native := statusToken(t.Status)
		status := meta.UnifiedStatus(native)
		hash := strings.ToLower(t.HashString)
		cached := trackerSnap[hash]
		items = append(items, model.UnifiedItem{
			Hash:           hash,
			InstanceID:     a.InstanceID(),
			Client:         model.ClientTransmission,
			Name:           t.Name,
			Size:           t.TotalSize,
			SizeDownloaded: int64(float64(t.TotalSize) * t.PercentDone),
			Progress:       t.PercentDone,
			DownloadSpeed:  t.RateDownload,
			UploadSpeed:    t.RateUpload,
			Status:         status,
			Downloading:    status == model.StatusActive,
			Complete:       t.PercentDone >= 1.0,
			Seeding:        meta.IsSeedingNative(native),
			UploadTotal:    t.UploadedEver,
			Ratio:          t.UploadRatio,
			ETA:            capETA(t.Eta),
			Sources: model.Sources{
				Total:     t.PeersConnected,
				Connected: t.PeersConnected,
				Seeders:   t.PeersSendingToUs,
			},
			AddedAt:       time.Unix(t.AddedDate, 0),
			PeersDetailed: cached.peers,
			Trackers:      cached.trackers,
		})
	}

	return adapter.FetchResult{Downloads: items, SharedFiles: items, Uploads: nil}, nil
}

func capETA(eta int64) int64 {
	const cap = 8_640_000
	if eta < 0 || eta > cap {
		return cap
	}
	return eta
}

// statusToken renders Transmission's numeric torrent status as the string
// key captab's StatusMap is keyed on, matching the style of the ed2k and
// qBittorrent adapters' native-status lookups.
func statusToken(s int) string {
	if s < 0 || s > 6 {
		return "0"
	}
	return strconv.Itoa(s)
}

func (a *Adapter) byHash(hash string) []string { return []string{hash} }

func (a *Adapter) Pause(ctx context.Context, hash string) error {
	_, err := a.call(ctx, "torrent-stop", map[string]any{"ids": a.byHash(hash)})
	return err
}

func (a *Adapter) Resume(ctx context.Context, hash string) error {
	_, err := a.call(ctx, "torrent-start", map[string]any{"ids": a.byHash(hash)})
	return err
}

// Stop shares torrent-stop with Pause: captab.StopReplacesPause is set
// for this client type, so the core treats them as the same transition.
func (a *Adapter) Stop(ctx context.Context, hash string) error {
	return a.Pause(ctx, hash)
}

func (a *Adapter) AddMagnet(ctx context.Context, uri string, opts adapter.AddOptions) error {
	_, err := a.call(ctx, "torrent-add", map[string]any{"filename": uri})
	return err
}

func (a *Adapter) AddTorrentRaw(ctx context.Context, data []byte, opts adapter.AddOptions) error {
	_, err := a.call(ctx, "torrent-add", map[string]any{"metainfo": base64.StdEncoding.EncodeToString(data)})
	return err
}

func (a *Adapter) AddSearchResult(ctx context.Context, resultHash string, categoryID int) error {
	return apperr.New(apperr.Protocol, "transmission: search results are not a bittorrent concept")
}
func (a *Adapter) AddEd2kLink(ctx context.Context, link string, categoryID int) error {
	return apperr.New(apperr.Protocol, "transmission: ed2k links are not a bittorrent concept")
}

// SetCategoryOrLabel is unsupported: Transmission has no native category
// concept this adapter models (captab.Features.Categories == false), so
// the core must not rely on it for category assignment on this type.
func (a *Adapter) SetCategoryOrLabel(ctx context.Context, hash, categoryName string, priority int) error {
	return apperr.New(apperr.NotFound, "transmission: no native category concept")
}

func (a *Adapter) DeleteItem(ctx context.Context, hash string, opts adapter.DeleteOptions) (adapter.DeleteResult, error) {
	// cancelDeletesFiles: transmission-remove's delete-local-data flag
	// deletes files on disk itself, so the core owes no filesystem
	// follow-up (spec.md §4.1 DeleteItem contract).
	_, err := a.call(ctx, "torrent-remove", map[string]any{
		"ids":               a.byHash(hash),
		"delete-local-data": opts.DeleteFiles,
	})
	if err != nil {
		return adapter.DeleteResult{}, err
	}
	return adapter.DeleteResult{Success: true}, nil
}

func (a *Adapter) UpdateDirectory(ctx context.Context, hash, path string) error {
	_, err := a.call(ctx, "torrent-set-location", map[string]any{"ids": a.byHash(hash), "location": path, "move": true})
	return err
}

func (a *Adapter) GetFiles(ctx context.Context, hash string) ([]string, error) {
	argBuf, err := a.call(ctx, "torrent-get", map[string]any{"ids": a.byHash(hash), "fields": []string{"files"}})
	if err != nil {
		return nil, err
	}
	var args struct {
		Torrents []struct {
			Files []struct {
				Name string `json:"name"`
			} `json:"files"`
		} `json:"torrents"`
	}
	if err := jsonc.Unmarshal(argBuf, &args); err != nil {
		return nil, apperr.Wrap(apperr.Protocol, err, "decode torrent-get files")
	}
	if len(args.Torrents) == 0 {
		return nil, nil
	}
	out := make([]string, len(args.Torrents[0].Files))
	for i, f := range args.Torrents[0].Files {
		out[i] = f.Name
	}
	return out, nil
}

func (a *Adapter) EnsureCategoryExists(ctx context.Context, spec adapter.CategorySpec) (adapter.CategoryResult, error) {
	return adapter.CategoryResult{}, nil
}
func (a *Adapter) EnsureCategoriesBatch(ctx context.Context, specs []adapter.CategorySpec) error { return nil }
func (a *Adapter) EditCategory(ctx context.Context, spec adapter.CategorySpec) (adapter.CategoryResult, error) {
	return adapter.CategoryResult{}, nil
}
func (a *Adapter) RenameCategory(ctx context.Context, oldName, newName string) error { return nil }
func (a *Adapter) DeleteCategory(ctx context.Context, id int, name string) error     { return nil }
func (a *Adapter) EnsureAmuleCategoryID(ctx context.Context, name string) (int, error) {
	return 0, apperr.New(apperr.NotFound, "transmission: no numeric category id concept")
}

// OnConnectSync is a no-op: nothing native to reconcile categories
// against.
func (a *Adapter) OnConnectSync(ctx context.Context, target adapter.CategorySyncTarget) error {
	return nil
}

func (a *Adapter) GetStats(ctx context.Context) (any, error) {
	argBuf, err := a.call(ctx, "session-stats", nil)
	if err != nil {
		return nil, err
	}
	var stats map[string]any
	if err := jsonc.Unmarshal(argBuf, &stats); err != nil {
		return nil, apperr.Wrap(apperr.Protocol, err, "decode session-stats")
	}
	return stats, nil
}

func (a *Adapter) ExtractMetrics(raw any) adapter.Metrics {
	m, ok := raw.(map[string]any)
	if !ok {
		return adapter.Metrics{}
	}
	cumulative, _ := m["cumulative-stats"].(map[string]any)
	return adapter.Metrics{
		UploadSpeed:   toInt64(m["uploadSpeed"]),
		DownloadSpeed: toInt64(m["downloadSpeed"]),
		UploadTotal:   toInt64(cumulative["uploadedBytes"]),
		DownloadTotal: toInt64(cumulative["downloadedBytes"]),
	}
}

func (a *Adapter) GetNetworkStatus(raw any) adapter.NetworkStatus {
	m, ok := raw.(map[string]any)
	if !ok {
		return adapter.NetworkStatus{Status: "red", Text: "unknown"}
	}
	open, _ := m["portIsOpen"].(bool)
	status := "yellow"
	if open {
		status = "green"
	}
	return adapter.NetworkStatus{Status: status, PortOpen: open, ListenPort: int(toInt64(m["peerPort"]))}
}

func (a *Adapter) ExtractHistoryMetadata(item model.UnifiedItem) map[string]any {
	return map[string]any{}
}

type rpcPeer struct {
	Address      string `json:"address"`
	Port         int    `json:"port"`
	ClientName   string `json:"clientName"`
	RateToClient int64  `json:"rateToClient"`
	RateToPeer   int64  `json:"rateToPeer"`
}

type rpcTrackerStat struct {
	Announce string `json:"announce"`
}

var trackerRefreshFields = []string{"hashString", "peers", "trackerStats"}

// RefreshSharedFiles doubles as the tracker-refresh loop spec.md §4.1
// calls for: Transmission's torrent-get accepts "peers" and
// "trackerStats" as ordinary requested fields, so one RPC call already
// returns the per-torrent peer and tracker lists for every torrent at
// once — the one-round-trip ideal the spec describes for transports that
// support batching, unlike qBittorrent's per-hash trackers endpoint.
func (a *Adapter) RefreshSharedFiles(ctx context.Context) error {
	argBuf, err := a.call(ctx, "torrent-get", map[string]any{"fields": trackerRefreshFields})
	if err != nil {
		return err
	}
	var args struct {
		Torrents []struct {
			HashString   string           `json:"hashString"`
			Peers        []rpcPeer        `json:"peers"`
			TrackerStats []rpcTrackerStat `json:"trackerStats"`
		} `json:"torrents"`
	}
	if err := jsonc.Unmarshal(argBuf, &args); err != nil {
		return apperr.Wrap(apperr.Protocol, err, "decode transmission tracker refresh")
	}

	next := make(map[string]trackerCacheEntry, len(args.Torrents))
	for _, t := range args.Torrents {
		peers := make([]model.Peer, 0, len(t.Peers))
		for _, p := range t.Peers {
			peers = append(peers, model.Peer{
				Address:      p.Address,
				Port:         p.Port,
				Software:     p.ClientName,
				UploadRate:   p.RateToPeer,
				DownloadRate: p.RateToClient,
			})
		}
		urls := make([]string, 0, len(t.TrackerStats))
		for _, tr := range t.TrackerStats {
			urls = append(urls, tr.Announce)
		}
		next[strings.ToLower(t.HashString)] = trackerCacheEntry{peers: peers, trackers: urls}
	}

	a.trackersMu.Lock()
	a.trackers = next
	a.trackersMu.Unlock()
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
