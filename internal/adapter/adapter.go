// Package adapter defines the single behavior contract every backend
// client driver implements (spec.md §4.1). Per spec.md §9's polymorphism
// note, callers never switch on model.ClientType; they call through this
// interface and consult captab.Meta for behavioral flags.
package adapter

import (
	"context"

	"github.com/got3nks/amule-web-controller-sub002/internal/model"
)

// FetchResult is the raw-but-normalized output of one poll. Adapters that
// have no separate "shared" concept set SharedFiles == Downloads by
// reference; adapters with no peers-upload list return an empty Uploads.
type FetchResult struct {
	Downloads   []model.UnifiedItem
	SharedFiles []model.UnifiedItem
	Uploads     []model.Peer
}

// DeleteOptions parametrizes Adapter.DeleteItem.
type DeleteOptions struct {
	DeleteFiles bool
	IsShared    bool
	FilePath    string
}

// DeleteResult reports what the adapter actually did so the core can
// decide whether it still owes a filesystem delete (spec.md §4.1, S3/S4).
type DeleteResult struct {
	Success       bool
	PathsToDelete []string
}

// CategorySpec is what the core asks an adapter to reconcile its native
// category/label/folder concept to.
type CategorySpec struct {
	ID           int
	Name         string
	Path         string
	DefaultPath  string
	Comment      string
	Color        string
	Priority     int
}

type CategoryResult struct {
	AmuleID    int
	Verified   bool
	Mismatches []string
}

type NetworkStatus struct {
	Status     string // green | yellow | red
	Text       string
	PortOpen   bool
	ListenPort int
}

type Metrics struct {
	UploadSpeed   int64
	DownloadSpeed int64
	UploadTotal   int64
	DownloadTotal int64
	PID           int
}

// AddOptions parametrizes the various "add a download" mutations.
type AddOptions struct {
	CategoryName string
	Priority     int
}

// CategorySyncTarget is the subset of category.Manager an adapter needs
// during onConnectSync, kept narrow to avoid a dependency cycle between
// adapter and category.
type CategorySyncTarget interface {
	GetCategoriesSnapshot() []model.Category
	LinkAmuleID(name, instanceID string, nativeID int)
}

// Adapter is the polymorphism seam of spec.md §4.1. Every ClientType has
// exactly one concrete implementation; the registry and pipeline never
// hold anything but this interface.
type Adapter interface {
	InstanceID() string
	ClientType() model.ClientType

	InitClient(ctx context.Context) (bool, error)
	IsConnected() bool
	IsEnabled() bool
	SetEnabled(bool)

	// FetchData is the only data ingress; it must never return a
	// transport error to the pipeline (see apperr taxonomy propagation
	// policy). Every returned record is stamped with InstanceID.
	FetchData(ctx context.Context, categoriesHint []model.Category) (FetchResult, error)

	Pause(ctx context.Context, hash string) error
	Resume(ctx context.Context, hash string) error
	Stop(ctx context.Context, hash string) error
	AddMagnet(ctx context.Context, uri string, opts AddOptions) error
	AddTorrentRaw(ctx context.Context, data []byte, opts AddOptions) error
	// ed2k-only; implementations for bittorrent-family types return
	// apperr.Protocol-kind "unsupported" errors.
	AddSearchResult(ctx context.Context, resultHash string, categoryID int) error
	AddEd2kLink(ctx context.Context, link string, categoryID int) error

	SetCategoryOrLabel(ctx context.Context, hash, categoryName string, priority int) error
	DeleteItem(ctx context.Context, hash string, opts DeleteOptions) (DeleteResult, error)
	UpdateDirectory(ctx context.Context, hash, path string) error
	GetFiles(ctx context.Context, hash string) ([]string, error)

	EnsureCategoryExists(ctx context.Context, spec CategorySpec) (CategoryResult, error)
	EnsureCategoriesBatch(ctx context.Context, specs []CategorySpec) error
	EditCategory(ctx context.Context, spec CategorySpec) (CategoryResult, error)
	RenameCategory(ctx context.Context, oldName, newName string) error
	DeleteCategory(ctx context.Context, id int, name string) error
	// ed2k-only.
	EnsureAmuleCategoryID(ctx context.Context, name string) (int, error)
	OnConnectSync(ctx context.Context, target CategorySyncTarget) error

	GetStats(ctx context.Context) (any, error)
	ExtractMetrics(raw any) Metrics
	GetNetworkStatus(raw any) NetworkStatus
	ExtractHistoryMetadata(item model.UnifiedItem) map[string]any

	RefreshSharedFiles(ctx context.Context) error
}

// Searcher is an optional capability (captab.Features.Search) implemented
// only by the ed2k adapter; the BitTorrent-family adapters have no
// equivalent network-wide search and are reached by the Torznab indexer
// through type assertion, never through the core Adapter interface.
type Searcher interface {
	Search(ctx context.Context, query string) ([]model.SearchResult, error)
}

// ServerLister is an optional capability implemented only by the ed2k
// adapter: the server list / connect-disconnect surface that has no
// BitTorrent-family equivalent (trackers are per-torrent, not a global
// list the user manages).
type ServerLister interface {
	GetServersList(ctx context.Context) ([]model.Server, error)
	ServerDoAction(ctx context.Context, action, address string, port int) error
}
