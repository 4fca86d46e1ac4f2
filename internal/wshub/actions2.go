package wshub

import (
	"context"
	"encoding/base64"
	"os"
	"time"

	"github.com/got3nks/amule-web-controller-sub002/internal/adapter"
	"github.com/got3nks/amule-web-controller-sub002/internal/logging"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
)

func init() {
	handlers["search"] = handleSearch
	handlers["batchDownloadSearchResults"] = handleBatchDownloadSearchResults
	handlers["addTorrentFile"] = handleAddTorrentFile
	handlers["checkMovePermissions"] = handleCheckMovePermissions
	handlers["checkDeletePermissions"] = handleCheckDeletePermissions
	handlers["getStatsTree"] = handleGetStatsTree
	handlers["getServersList"] = handleGetServersList
	handlers["serverDoAction"] = handleServerDoAction
	handlers["getLog"] = handleGetLog
	handlers["getAppLog"] = handleGetAppLog
	handlers["getHistory"] = handleGetHistory
	handlers["clearHistory"] = handleClearHistory
	handlers["getServerInfo"] = handleGetServerInfo
}

func handleGetHistory(h *Hub, conn *Connection, params map[string]any) {
	if h.history == nil {
		conn.send(map[string]any{"type": "history-update", "entries": []any{}})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	entries, err := h.history.List(ctx)
	if err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	conn.send(map[string]any{"type": "history-update", "entries": entries})
}

func handleClearHistory(h *Hub, conn *Connection, params map[string]any) {
	if h.history == nil {
		conn.send(map[string]any{"type": "history-cleared"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.history.Clear(ctx); err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	conn.send(map[string]any{"type": "history-cleared"})
}

// handleGetServerInfo answers the ed2k-only "current server" surface
// (spec.md §6.1 getServerInfo) by folding GetNetworkStatus and GetStats,
// the same raw poll every stats-tree node already reports, into one
// payload; no separate adapter method is needed beyond what §4.1 already
// requires.
func handleGetServerInfo(h *Hub, conn *Connection, params map[string]any) {
	instanceID, _ := params["instanceId"].(string)
	a, err := h.resolveAdapter(BatchItemRef{InstanceID: instanceID})
	if err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	raw, err := a.GetStats(ctx)
	if err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	conn.send(map[string]any{"type": "server-info-update", "instanceId": instanceID, "network": a.GetNetworkStatus(raw), "metrics": a.ExtractMetrics(raw)})
}

// findSearcher returns the first connected ed2k adapter that implements
// adapter.Searcher; ed2k network search has no concept of "which
// instance", only one ed2k backend is expected to be configured.
func (h *Hub) findSearcher() (adapter.Searcher, bool) {
	for _, a := range h.registry.GetConnected() {
		if s, ok := a.(adapter.Searcher); ok {
			return s, true
		}
	}
	return nil, false
}

func handleSearch(h *Hub, conn *Connection, params map[string]any) {
	query, _ := params["query"].(string)
	searcher, ok := h.findSearcher()
	if !ok {
		conn.send(errorReply("no searchable ed2k instance connected"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	results, err := searcher.Search(ctx, query)
	if err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	conn.send(map[string]any{"type": "search-results", "results": results})
}

func handleBatchDownloadSearchResults(h *Hub, conn *Connection, params map[string]any) {
	instanceID, _ := params["instanceId"].(string)
	categoryID := 0
	if v, ok := params["categoryId"].(float64); ok {
		categoryID = int(v)
	}
	a, err := h.resolveAdapter(BatchItemRef{InstanceID: instanceID})
	if err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	hashes := stringSlice(params["resultHashes"])
	type result struct {
		ResultHash string `json:"resultHash"`
		Success    bool   `json:"success"`
		Error      string `json:"error,omitempty"`
	}
	results := make([]result, 0, len(hashes))
	for _, rh := range hashes {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.AddSearchResult(ctx, rh, categoryID)
		cancel()
		if err != nil {
			results = append(results, result{ResultHash: rh, Error: err.Error()})
			continue
		}
		results = append(results, result{ResultHash: rh, Success: true})
		h.recordAddedOwnership(conn, instanceID, rh)
		h.events.Fire("downloadAdded", map[string]any{"instanceId": instanceID, "hash": rh, "kind": "search-result"})
	}
	conn.send(map[string]any{"type": "batch-download-complete", "results": results})
	h.BroadcastBatch()
}

func handleAddTorrentFile(h *Hub, conn *Connection, params map[string]any) {
	instanceID, _ := params["instanceId"].(string)
	label, _ := params["category"].(string)
	b64, _ := params["data"].(string)
	a, err := h.resolveAdapter(BatchItemRef{InstanceID: instanceID})
	if err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		conn.send(errorReply("invalid base64 torrent data"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.ensureCategory(ctx, conn, label)
	if err := a.AddTorrentRaw(ctx, data, adapterAddOptions(label)); err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	h.events.Fire("downloadAdded", map[string]any{"instanceId": instanceID, "kind": "torrent"})
	conn.send(map[string]any{"type": "torrent-added"})
	h.BroadcastBatch()
}

// moveResultCode is the per-item checkMovePermissions result vocabulary
// of spec.md §6.1.
func moveResultCode(sourcePath, destPath string) string {
	if sourcePath == "" {
		return "no_path"
	}
	if destPath == "" {
		return "no_dest_path"
	}
	if sourcePath == destPath {
		return "same_path"
	}
	if _, err := os.Stat(sourcePath); err != nil {
		return "source_error"
	}
	if err := probeDestWritable(destPath); err != nil {
		return "dest_error"
	}
	return "ok"
}

func probeDestWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return os.ErrInvalid
	}
	f, err := os.CreateTemp(path, ".amule-web-controller-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

func handleCheckMovePermissions(h *Hub, conn *Connection, params map[string]any) {
	refs := parseItemRefs(params)
	destPath, _ := params["destPath"].(string)
	type result struct {
		FileHash string `json:"fileHash"`
		Code     string `json:"code"`
	}
	results := make([]result, 0, len(refs))
	for _, ref := range refs {
		sourcePath, _ := params["sourcePath"].(string)
		results = append(results, result{FileHash: ref.FileHash, Code: moveResultCode(sourcePath, destPath)})
	}
	conn.send(map[string]any{"type": "move-permissions", "results": results})
}

// deleteResultCode is the per-item checkDeletePermissions vocabulary of
// spec.md §6.1.
func (h *Hub) deleteResultCode(claims Claims, ref BatchItemRef) string {
	if _, err := h.resolveAdapter(ref); err != nil {
		return "not_found"
	}
	u := &model.User{IsAdmin: claims.IsAdmin, Capabilities: claims.Caps, ID: claims.UserID}
	if !u.HasCapability(model.CapViewAllDownloads) {
		key := model.CompoundKey(ref.InstanceID, ref.FileHash)
		owner, ok := h.users.OwnerOf(context.Background(), key)
		if !ok {
			return "not_visible"
		}
		if owner != u.ID && !u.HasCapability(model.CapEditAllDownloads) {
			return "no_permission"
		}
	}
	if !u.HasCapability(model.CapRemoveDownloads) {
		return "no_permission"
	}
	return "ok"
}

func handleCheckDeletePermissions(h *Hub, conn *Connection, params map[string]any) {
	refs := parseItemRefs(params)
	type result struct {
		FileHash string `json:"fileHash"`
		Code     string `json:"code"`
	}
	results := make([]result, 0, len(refs))
	for _, ref := range refs {
		results = append(results, result{FileHash: ref.FileHash, Code: h.deleteResultCode(conn.claims, ref)})
	}
	conn.send(map[string]any{"type": "delete-permissions", "results": results})
}

func handleGetStatsTree(h *Hub, conn *Connection, params map[string]any) {
	type node struct {
		InstanceID string           `json:"instanceId"`
		ClientType model.ClientType `json:"clientType"`
		Metrics    adapter.Metrics  `json:"metrics"`
		Network    adapter.NetworkStatus `json:"network"`
	}
	var nodes []node
	for _, a := range h.registry.GetConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		raw, err := a.GetStats(ctx)
		cancel()
		if err != nil {
			continue
		}
		nodes = append(nodes, node{
			InstanceID: a.InstanceID(),
			ClientType: a.ClientType(),
			Metrics:    a.ExtractMetrics(raw),
			Network:    a.GetNetworkStatus(raw),
		})
	}
	conn.send(map[string]any{"type": "stats-tree-update", "instances": nodes})
}

func handleGetServersList(h *Hub, conn *Connection, params map[string]any) {
	instanceID, _ := params["instanceId"].(string)
	a, err := h.resolveAdapter(BatchItemRef{InstanceID: instanceID})
	if err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	lister, ok := a.(adapter.ServerLister)
	if !ok {
		conn.send(map[string]any{"type": "servers-update", "servers": []model.Server{}})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	servers, err := lister.GetServersList(ctx)
	if err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	conn.send(map[string]any{"type": "servers-update", "servers": servers})
}

func handleServerDoAction(h *Hub, conn *Connection, params map[string]any) {
	instanceID, _ := params["instanceId"].(string)
	action, _ := params["action"].(string)
	address, _ := params["address"].(string)
	port := 0
	if v, ok := params["port"].(float64); ok {
		port = int(v)
	}
	a, err := h.resolveAdapter(BatchItemRef{InstanceID: instanceID})
	if err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	lister, ok := a.(adapter.ServerLister)
	if !ok {
		conn.send(errorReply("instance does not support server management"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := lister.ServerDoAction(ctx, action, address, port); err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	conn.send(map[string]any{"type": "server-action", "success": true})
}

func handleGetLog(h *Hub, conn *Connection, params map[string]any) {
	instanceID, _ := params["instanceId"].(string)
	lines := logging.Recent(500, instanceID)
	conn.send(map[string]any{"type": "log-update", "lines": lines})
}

func handleGetAppLog(h *Hub, conn *Connection, params map[string]any) {
	lines := logging.Recent(500, "")
	conn.send(map[string]any{"type": "log-update", "lines": lines})
}
