// Package model holds the cross-protocol data types the rest of the
// control plane operates on: the unified item record, categories, users,
// ownership, and move operations. Individual adapters translate their
// wire-native structures into these types; nothing upstream of an adapter
// deals in protocol-specific shapes.
package model

import "time"

// ClientType is the closed set of backend client families the registry
// knows how to drive. See captab.Meta for the per-type capability record.
type ClientType string

const (
	ClientAmule        ClientType = "amule"
	ClientQBittorrent  ClientType = "qbittorrent"
	ClientTransmission ClientType = "transmission"
)

// Status is the unified lifecycle state of a download/shared file/torrent.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusSeeding  Status = "seeding"
	StatusChecking Status = "checking"
	StatusMoving   Status = "moving"
	StatusError    Status = "error"
)

// Sources describes the ed2k source-swarm counters; zero value is fine for
// BitTorrent-family items that don't track a4af/notCurrent.
type Sources struct {
	Total      int  `json:"total"`
	Connected  int  `json:"connected"`
	Seeders    int  `json:"seeders"`
	A4AF       int  `json:"a4af,omitempty"`
	NotCurrent bool `json:"notCurrent,omitempty"`
}

// Geo is the enrichment result for a peer's IP, injected by an external
// GeoIP collaborator (see pipeline.GeoIPResolver). Implementation of the
// actual GeoIP database lookup is explicitly out of scope for this module.
type Geo struct {
	Country string  `json:"country,omitempty"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// Peer is a single remote endpoint participating in a transfer, as seen
// from the owning client's perspective.
type Peer struct {
	Address      string  `json:"address"`
	Port         int     `json:"port"`
	Software     string  `json:"software,omitempty"`
	UploadRate   int64   `json:"uploadRate"`
	DownloadRate int64   `json:"downloadRate"`
	Geo          *Geo    `json:"geo,omitempty"`
	Hostname     string  `json:"hostname,omitempty"`
}

// UnifiedItem is the central per-(instanceId,hash) record produced once per
// scheduler tick. Exactly one UnifiedItem exists per observed pair; see
// pipeline.Assembler.Run for the invariant enforcement.
type UnifiedItem struct {
	Hash           string     `json:"hash"`
	InstanceID     string     `json:"instanceId"`
	Client         ClientType `json:"client"`
	Name           string     `json:"name"`
	Size           int64      `json:"size"`
	SizeDownloaded int64      `json:"sizeDownloaded"`
	Progress       float64    `json:"progress"`
	DownloadSpeed  int64      `json:"downloadSpeed"`
	UploadSpeed    int64      `json:"uploadSpeed"`
	Status         Status     `json:"status"`
	Category       string     `json:"category"`
	Downloading    bool       `json:"downloading"`
	Shared         bool       `json:"shared"`
	Complete       bool       `json:"complete"`
	Seeding        bool       `json:"seeding"`
	Sources        Sources    `json:"sources"`
	ActiveUploads  []Peer     `json:"activeUploads,omitempty"`
	UploadTotal    int64      `json:"uploadTotal"`
	Ratio          float64    `json:"ratio"`
	ETA            int64      `json:"eta"`
	PeersDetailed  []Peer     `json:"peersDetailed,omitempty"`
	Raw            any        `json:"raw,omitempty"`
	AddedAt        time.Time  `json:"addedAt,omitempty"`

	// ed2k extras
	Ed2kLink string `json:"ed2kLink,omitempty"`

	// torrent extras
	InfoHashV2 string `json:"infoHashV2,omitempty"`
	Trackers   []string `json:"trackers,omitempty"`

	// move overlay (pipeline.Assembler.Run step 4)
	MoveProgress    float64 `json:"moveProgress,omitempty"`
	MoveStatus      string  `json:"moveStatus,omitempty"`
	MoveFilesTotal  int     `json:"moveFilesTotal,omitempty"`
	MoveFilesMoved  int     `json:"moveFilesMoved,omitempty"`
	MoveCurrentFile string  `json:"moveCurrentFile,omitempty"`

	// per-connection annotation, never persisted
	OwnedByMe bool `json:"ownedByMe,omitempty"`
}

// CompoundKey is "instanceId:hash", the only durable cross-restart identity.
func CompoundKey(instanceID, hash string) string {
	return instanceID + ":" + hash
}

// Category is the app-wide grouping unit, kept coherent with each client's
// native category/label/folder concept.
type Category struct {
	Name          string            `json:"name"`
	Color         string            `json:"color"`
	Path          string            `json:"path,omitempty"`
	PathMappings  map[string]string `json:"pathMappings,omitempty"`
	Comment       string            `json:"comment,omitempty"`
	Priority      int               `json:"priority"`
	AmuleIDs      map[string]int    `json:"amuleIds,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

const DefaultCategoryName = "Default"

const (
	PriorityNormal = 0
	PriorityHigh   = 1
	PriorityLow    = 2
	PriorityAuto   = 3
)

// Capability is one entry in the closed vocabulary consulted by the
// WebSocket action gate (spec.md §4.5).
type Capability string

const (
	CapSearch            Capability = "search"
	CapAddDownloads      Capability = "add_downloads"
	CapRemoveDownloads   Capability = "remove_downloads"
	CapPauseResume       Capability = "pause_resume"
	CapAssignCategories  Capability = "assign_categories"
	CapMoveFiles         Capability = "move_files"
	CapManageCategories  Capability = "manage_categories"
	CapViewHistory       Capability = "view_history"
	CapClearHistory      Capability = "clear_history"
	CapViewShared        Capability = "view_shared"
	CapViewUploads       Capability = "view_uploads"
	CapViewStatistics    Capability = "view_statistics"
	CapViewLogs          Capability = "view_logs"
	CapViewServers       Capability = "view_servers"
	CapViewAllDownloads  Capability = "view_all_downloads"
	CapEditAllDownloads  Capability = "edit_all_downloads"
)

// User is an application account. PasswordHash and APIKey are never
// serialized to API responses outside of the store layer.
type User struct {
	ID           int64        `json:"id"`
	Username     string       `json:"username"`
	PasswordHash string       `json:"-"`
	IsAdmin      bool         `json:"isAdmin"`
	Disabled     bool         `json:"disabled"`
	APIKey       string       `json:"-"`
	Capabilities []Capability `json:"capabilities"`
	LastLoginAt  time.Time    `json:"lastLoginAt,omitempty"`
}

// HasCapability implements the capability algebra of spec.md §4.5:
// admins hold every capability implicitly, and edit_all_downloads implies
// view_all_downloads for non-admins.
func (u *User) HasCapability(c Capability) bool {
	if u.IsAdmin {
		return true
	}
	for _, have := range u.Capabilities {
		if have == c {
			return true
		}
		if have == CapEditAllDownloads && c == CapViewAllDownloads {
			return true
		}
	}
	return false
}

func (u *User) HasAllCapabilities(cs []Capability) bool {
	if u.IsAdmin {
		return true
	}
	for _, c := range cs {
		if !u.HasCapability(c) {
			return false
		}
	}
	return true
}

// OwnershipRecord associates a compound key with the user who added it.
type OwnershipRecord struct {
	CompoundKey string    `json:"compoundKey"`
	UserID      int64     `json:"userId"`
	AddedAt     time.Time `json:"addedAt"`
}

// MoveStatus is the lifecycle of a MoveOperation.
type MoveStatus string

const (
	MovePending   MoveStatus = "pending"
	MoveMoving    MoveStatus = "moving"
	MoveVerifying MoveStatus = "verifying"
	MoveDone      MoveStatus = "done"
	MoveFailed    MoveStatus = "failed"
)

// MoveOperation tracks one in-flight cross-filesystem move.
type MoveOperation struct {
	CompoundKey      string     `json:"compoundKey"`
	Name             string     `json:"name"`
	ClientType       ClientType `json:"clientType"`
	SourcePathRemote string     `json:"sourcePathRemote"`
	DestPathLocal    string     `json:"destPathLocal"`
	DestPathRemote   string     `json:"destPathRemote"`
	TotalSize        int64      `json:"totalSize"`
	BytesMoved       int64      `json:"bytesMoved"`
	FilesTotal       int        `json:"filesTotal,omitempty"`
	FilesMoved       int        `json:"filesMoved,omitempty"`
	CurrentFile      string     `json:"currentFile,omitempty"`
	IsMultiFile      bool       `json:"isMultiFile"`
	Status           MoveStatus `json:"status"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	CategoryName     string     `json:"categoryName"`
}

// SearchResult is one hit returned by an ed2k network search, not yet a
// download; AddSearchResult (adapter.Adapter) is the only mutation that
// consumes ResultHash.
type SearchResult struct {
	ResultHash string `json:"resultHash"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Sources    int    `json:"sources"`
	SourcesC   int    `json:"completeSources"`
	Ed2kLink   string `json:"ed2kLink"`
}

// Server is one ed2k server entry, as tracked by the amule instance's
// server list (connect/disconnect/priority), distinct from the
// BitTorrent-family's tracker list.
type Server struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Users     int    `json:"users"`
	MaxUsers  int    `json:"maxUsers"`
	Files     int    `json:"files"`
	Ping      int    `json:"ping"`
	Connected bool   `json:"connected"`
}

// FailedLoginAttempt is the brute-force counter keyed by source IP.
type FailedLoginAttempt struct {
	IP            string
	Count         int
	FirstAttempt  time.Time
	LastAttempt   time.Time
	BlockedUntil  time.Time
}
