package wshub

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/got3nks/amule-web-controller-sub002/internal/adapter"
	"github.com/got3nks/amule-web-controller-sub002/internal/captab"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
	"github.com/got3nks/amule-web-controller-sub002/internal/move"
)

// requiredCapabilities is the closed action -> capability-list vocabulary
// of spec.md §4.5. Actions absent from this table require none.
var requiredCapabilities = map[string][]model.Capability{
	"search":                      {model.CapSearch},
	"addEd2kLinks":                {model.CapAddDownloads},
	"addMagnetLinks":              {model.CapAddDownloads},
	"addTorrentFile":              {model.CapAddDownloads},
	"batchDownloadSearchResults":  {model.CapAddDownloads},
	"batchPause":                  {model.CapPauseResume},
	"batchResume":                 {model.CapPauseResume},
	"batchStop":                   {model.CapPauseResume},
	"batchDelete":                 {model.CapRemoveDownloads},
	"batchSetFileCategory":        {model.CapAssignCategories},
	"checkMovePermissions":        {model.CapMoveFiles},
	"checkDeletePermissions":      {model.CapRemoveDownloads},
	"getCategories":               {model.CapAssignCategories},
	"createCategory":              {model.CapManageCategories},
	"updateCategory":              {model.CapManageCategories},
	"deleteCategory":              {model.CapManageCategories},
	"getHistory":                  {model.CapViewHistory},
	"clearHistory":                {model.CapClearHistory},
	"refreshSharedFiles":          {model.CapViewShared},
	"getServersList":              {model.CapViewServers},
	"serverDoAction":              {model.CapViewServers},
	"getStatsTree":                {model.CapViewStatistics},
	"getLog":                      {model.CapViewLogs},
	"getAppLog":                   {model.CapViewLogs},
}

type handlerFunc func(h *Hub, conn *Connection, params map[string]any)

var handlers = map[string]handlerFunc{
	"batchPause":           batchSimpleAction((adapter.Adapter).Pause, "pause-complete"),
	"batchResume":          batchSimpleAction((adapter.Adapter).Resume, "resume-complete"),
	"batchStop":            batchSimpleAction((adapter.Adapter).Stop, "stop-complete"),
	"batchDelete":          handleBatchDelete,
	"batchSetFileCategory": handleBatchSetCategory,
	"getCategories":        handleGetCategories,
	"createCategory":       handleCreateCategory,
	"updateCategory":       handleUpdateCategory,
	"deleteCategory":       handleDeleteCategory,
	"addMagnetLinks":       handleAddMagnetLinks,
	"addEd2kLinks":         handleAddEd2kLinks,
	"refreshSharedFiles":   handleRefreshSharedFiles,
}

// batchSimpleAction builds a handler for the pause/resume/stop family:
// same item-ref parsing, ownership check, and result collection, only
// the adapter method and completion message type differ.
func batchSimpleAction(action func(adapter.Adapter, context.Context, string) error, completeType string) handlerFunc {
	return func(h *Hub, conn *Connection, params map[string]any) {
		refs := parseItemRefs(params)
		results := make([]BatchItemResult, 0, len(refs))
		for _, ref := range refs {
			results = append(results, h.runSimple(conn, ref, action))
		}
		conn.send(map[string]any{"type": completeType, "results": results})
		h.BroadcastBatch()
	}
}

func (h *Hub) runSimple(conn *Connection, ref BatchItemRef, action func(adapter.Adapter, context.Context, string) error) BatchItemResult {
	if !h.checkOwnership(conn.claims, ref) {
		return BatchItemResult{FileHash: ref.FileHash, Denied: true, Error: "not owner"}
	}
	a, err := h.resolveAdapter(ref)
	if err != nil {
		return BatchItemResult{FileHash: ref.FileHash, Error: err.Error()}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := action(a, ctx, ref.FileHash); err != nil {
		return BatchItemResult{FileHash: ref.FileHash, Error: err.Error()}
	}
	return BatchItemResult{FileHash: ref.FileHash, Success: true}
}

// handleBatchDelete implements S3/S4 from spec.md §8: the adapter's
// DeleteResult tells the core which paths it still owes a filesystem
// delete for, and the capability table's RefreshSharedAfterDelete flag
// decides whether a deleted path needs a refreshSharedFiles + 500ms
// settle before the next broadcast.
func handleBatchDelete(h *Hub, conn *Connection, params map[string]any) {
	refs := parseItemRefs(params)
	deleteFiles, _ := params["deleteFiles"].(bool)
	results := make([]BatchItemResult, 0, len(refs))
	needsSettle := false

	for _, ref := range refs {
		if !h.checkOwnership(conn.claims, ref) {
			results = append(results, BatchItemResult{FileHash: ref.FileHash, Denied: true, Error: "not owner"})
			continue
		}
		a, err := h.resolveAdapter(ref)
		if err != nil {
			results = append(results, BatchItemResult{FileHash: ref.FileHash, Error: err.Error()})
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		res, err := a.DeleteItem(ctx, ref.FileHash, adapter.DeleteOptions{DeleteFiles: deleteFiles})
		cancel()
		if err != nil {
			results = append(results, BatchItemResult{FileHash: ref.FileHash, Error: err.Error()})
			continue
		}
		for _, p := range res.PathsToDelete {
			localPath := h.categories.TranslatePath(p, string(a.ClientType()), ref.InstanceID)
			if delErr := removeFromDisk(localPath); delErr != nil {
				h.log.Warnf("deleting %s: %v", localPath, delErr)
				continue
			}
			meta, _ := captab.Get(a.ClientType())
			if meta.Features.RefreshSharedAfterDelete {
				_ = a.RefreshSharedFiles(context.Background())
				needsSettle = true
			}
		}
		key := model.CompoundKey(ref.InstanceID, ref.FileHash)
		_ = h.users.ForgetOwnership(context.Background(), key)
		h.events.Fire("fileDeleted", map[string]any{"compoundKey": key, "fileHash": ref.FileHash})
		results = append(results, BatchItemResult{FileHash: ref.FileHash, Success: res.Success})
	}

	conn.send(map[string]any{"type": "delete-complete", "results": results})
	if needsSettle {
		time.Sleep(500 * time.Millisecond)
	}
	h.BroadcastBatch()
}

func handleBatchSetCategory(h *Hub, conn *Connection, params map[string]any) {
	refs := parseItemRefs(params)
	categoryName, _ := params["category"].(string)
	priority := 0
	if p, ok := params["priority"].(float64); ok {
		priority = int(p)
	}
	results := make([]BatchItemResult, 0, len(refs))
	for _, ref := range refs {
		if !h.checkOwnership(conn.claims, ref) {
			results = append(results, BatchItemResult{FileHash: ref.FileHash, Denied: true})
			continue
		}
		a, err := h.resolveAdapter(ref)
		if err != nil {
			results = append(results, BatchItemResult{FileHash: ref.FileHash, Error: err.Error()})
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = a.SetCategoryOrLabel(ctx, ref.FileHash, categoryName, priority)
		cancel()
		if err != nil {
			results = append(results, BatchItemResult{FileHash: ref.FileHash, Error: err.Error()})
			continue
		}
		h.queueMoveIfNeeded(a, ref, categoryName)
		results = append(results, BatchItemResult{FileHash: ref.FileHash, Success: true})
	}
	conn.send(map[string]any{"type": "set-category-complete", "results": results})
	h.BroadcastBatch()
}

// queueMoveIfNeeded implements spec.md §4.6/§4.3's move trigger: a
// category change only starts a Move Operation for clients whose
// capability table says they neither move files themselves on category
// change nor move natively, and only once the item has finished
// downloading and the target category carries a destination path.
func (h *Hub) queueMoveIfNeeded(a adapter.Adapter, ref BatchItemRef, categoryName string) {
	meta, ok := captab.Get(a.ClientType())
	if !ok || !meta.Features.Categories || meta.Features.CategoryChangeAutoMoves || meta.Features.NativeMove {
		return
	}
	if categoryName == "" || categoryName == model.DefaultCategoryName {
		return
	}
	cat, ok := h.categories.Get(categoryName)
	if !ok || cat.Path == "" {
		return
	}
	item, ok := h.findItem(ref)
	if !ok || !item.Complete {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	files, err := a.GetFiles(ctx, ref.FileHash)
	cancel()
	if err != nil || len(files) == 0 {
		h.log.Warnf("resolving source path for move of %s: %v", ref.FileHash, err)
		return
	}

	req := move.Request{
		Item:             item,
		Adapter:          a,
		SourcePathRemote: files[0],
		DestPathLocal:    h.categories.TranslatePath(cat.Path, string(a.ClientType()), ref.InstanceID),
		DestPathRemote:   cat.Path,
		CategoryName:     categoryName,
	}
	if err := h.moves.QueueMove(context.Background(), req); err != nil {
		h.log.Warnf("queueing move for %s: %v", ref.FileHash, err)
	}
}

// findItem looks up the last assembled UnifiedItem for ref, the same
// batch the broadcast transform reads from.
func (h *Hub) findItem(ref BatchItemRef) (model.UnifiedItem, bool) {
	for _, it := range h.cache.Latest().Items {
		if it.InstanceID == ref.InstanceID && it.Hash == ref.FileHash {
			return it, true
		}
	}
	return model.UnifiedItem{}, false
}

func handleGetCategories(h *Hub, conn *Connection, params map[string]any) {
	conn.send(map[string]any{"type": "categories-update", "categories": h.categories.GetAllForFrontend()})
}

func handleCreateCategory(h *Hub, conn *Connection, params map[string]any) {
	name, _ := params["name"].(string)
	color, _ := params["color"].(string)
	path, _ := params["path"].(string)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.categories.Create(ctx, model.Category{Name: name, Color: color, Path: path}); err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	h.events.Fire("categoryCreated", map[string]any{"name": name})
	h.broadcastAll(map[string]any{"type": "category-created", "name": name})
	h.broadcastAll(map[string]any{"type": "categories-update", "categories": h.categories.GetAllForFrontend()})
}

func handleUpdateCategory(h *Hub, conn *Connection, params map[string]any) {
	name, _ := params["name"].(string)
	color, _ := params["color"].(string)
	path, _ := params["path"].(string)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.categories.Update(ctx, name, model.Category{Color: color, Path: path}); err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	h.events.Fire("categoryUpdated", map[string]any{"name": name})
	h.broadcastAll(map[string]any{"type": "category-updated", "name": name})
	h.broadcastAll(map[string]any{"type": "categories-update", "categories": h.categories.GetAllForFrontend()})
}

func handleDeleteCategory(h *Hub, conn *Connection, params map[string]any) {
	name, _ := params["name"].(string)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.categories.Delete(ctx, name); err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	h.events.Fire("categoryDeleted", map[string]any{"name": name})
	h.broadcastAll(map[string]any{"type": "category-deleted", "name": name})
	h.broadcastAll(map[string]any{"type": "categories-update", "categories": h.categories.GetAllForFrontend()})
}

func handleAddMagnetLinks(h *Hub, conn *Connection, params map[string]any) {
	links := stringSlice(params["links"])
	label, _ := params["label"].(string)
	instanceID, _ := params["instanceId"].(string)
	a, err := h.resolveAdapter(BatchItemRef{InstanceID: instanceID})
	if err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	h.ensureCategory(ctx, conn, label)
	cancel()

	type result struct {
		Link    string `json:"link"`
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	results := make([]result, 0, len(links))
	for _, link := range links {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.AddMagnet(ctx, link, adapterAddOptions(label))
		cancel()
		if err != nil {
			results = append(results, result{Link: link, Error: err.Error()})
			continue
		}
		results = append(results, result{Link: link, Success: true})
		h.recordAddedOwnership(conn, instanceID, magnetHash(link))
		h.events.Fire("downloadAdded", map[string]any{"instanceId": instanceID, "link": link, "kind": "magnet"})
	}
	conn.send(map[string]any{"type": "magnet-added", "results": results})
	h.BroadcastBatch()
}

func handleAddEd2kLinks(h *Hub, conn *Connection, params map[string]any) {
	links := stringSlice(params["links"])
	instanceID, _ := params["instanceId"].(string)
	a, err := h.resolveAdapter(BatchItemRef{InstanceID: instanceID})
	if err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	type result struct {
		Link    string `json:"link"`
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	results := make([]result, 0, len(links))
	for _, link := range links {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.AddEd2kLink(ctx, link, 0)
		cancel()
		if err != nil {
			results = append(results, result{Link: link, Error: err.Error()})
			continue
		}
		results = append(results, result{Link: link, Success: true})
		h.recordAddedOwnership(conn, instanceID, ed2kHash(link))
		h.events.Fire("downloadAdded", map[string]any{"instanceId": instanceID, "link": link, "kind": "ed2k"})
	}
	conn.send(map[string]any{"type": "ed2k-added", "results": results})
	h.BroadcastBatch()
}

// ensureCategory implements the auto-create-on-add half of S2 (spec.md
// §8): adding a download tagged with a category name that does not exist
// yet creates it and propagates it to every categories-capable client
// before the add itself goes out.
func (h *Hub) ensureCategory(ctx context.Context, conn *Connection, name string) {
	if name == "" || name == model.DefaultCategoryName {
		return
	}
	for _, c := range h.categories.GetAllForFrontend() {
		if c.Name == name {
			return
		}
	}
	if err := h.categories.Create(ctx, model.Category{Name: name, Color: "#808080"}); err != nil {
		h.log.Warnf("auto-creating category %q: %v", name, err)
		return
	}
	h.events.Fire("categoryCreated", map[string]any{"name": name})
	h.broadcastAll(map[string]any{"type": "category-created", "name": name})
	h.broadcastAll(map[string]any{"type": "categories-update", "categories": h.categories.GetAllForFrontend()})
}

// recordAddedOwnership attaches the caller as the owner of a newly added
// download (spec.md §4.5: "On every successful add mutation, record
// (compoundKey, userId)"). Skipped when the hash couldn't be parsed from
// the link, or in auth-disabled mode where there is no real user row.
func (h *Hub) recordAddedOwnership(conn *Connection, instanceID, hash string) {
	if hash == "" || !h.authEnabled || conn.claims.UserID == 0 {
		return
	}
	key := model.CompoundKey(instanceID, hash)
	if err := h.users.RecordOwnership(context.Background(), key, conn.claims.UserID); err != nil {
		h.log.Warnf("recording ownership of %s: %v", key, err)
	}
}

// magnetHash extracts the btih info-hash from a magnet URI's xt
// parameter, lowercased for stable compound-key comparisons.
func magnetHash(uri string) string {
	m := magnetHashRe.FindStringSubmatch(uri)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

var magnetHashRe = regexp.MustCompile(`xt=urn:btih:([A-Za-z0-9]+)`)

// ed2kHash extracts the hash segment of an "ed2k://|file|name|size|HASH|/"
// link.
func ed2kHash(link string) string {
	parts := strings.Split(link, "|")
	if len(parts) < 5 {
		return ""
	}
	return strings.ToLower(parts[4])
}

func handleRefreshSharedFiles(h *Hub, conn *Connection, params map[string]any) {
	instanceID, _ := params["instanceId"].(string)
	a, err := h.resolveAdapter(BatchItemRef{InstanceID: instanceID})
	if err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.RefreshSharedFiles(ctx); err != nil {
		conn.send(errorReply(err.Error()))
		return
	}
	conn.send(map[string]any{"type": "shared-files-refreshed"})
}

func (h *Hub) broadcastAll(msg map[string]any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		c.send(msg)
	}
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func adapterAddOptions(category string) adapter.AddOptions {
	return adapter.AddOptions{CategoryName: category}
}

// removeFromDisk is the core's filesystem delete, used only when an
// adapter's DeleteResult hands back paths it did not remove itself
// (spec.md §4.1 DeleteItem contract, ed2k shared-file scenario S4).
func removeFromDisk(path string) error {
	return removeAll(path)
}
