// Package captab is the single source of truth for per-ClientType
// behavioral branching. Nothing outside this package should switch on
// model.ClientType directly; callers consult a Features flag instead.
// Modeled on the teacher's cmn/config.go const-table style: one static,
// fully literal table, looked up by key, validated at startup.
package captab

import "github.com/got3nks/amule-web-controller-sub002/internal/model"

type NetworkType string

const (
	NetworkEd2k        NetworkType = "ed2k"
	NetworkBitTorrent  NetworkType = "bittorrent"
)

// Features is the boolean capability record consulted instead of
// "if type == x" checks scattered through the pipeline.
type Features struct {
	NativeMove                bool
	CategoryChangeAutoMoves   bool
	StopReplacesPause         bool
	MultiFile                 bool
	SharedFiles               bool
	SharedMeansComplete       bool
	RemoveSharedMustDeleteFiles bool
	PauseBeforeMove           bool
	Trackers                  bool
	Search                    bool
	CancelDeletesFiles        bool
	APIDeletesFiles           bool
	RefreshSharedAfterDelete  bool
	Categories                bool
	Logs                      bool
}

// Meta is the static per-type capability record.
type Meta struct {
	Network       NetworkType
	HashLength    int // hex chars: 32 (ed2k) or 40 (bittorrent-family)
	StatusMap     map[string]model.Status
	MetricsPrefix string
	SeedingStatus map[string]bool
	PriorityMap   map[int]string // unified priority -> native priority token
	Features      Features
}

var table = map[model.ClientType]Meta{
	model.ClientAmule: {
		Network:       NetworkEd2k,
		HashLength:    32,
		MetricsPrefix: "amule",
		StatusMap: map[string]model.Status{
			"0": model.StatusActive, // downloading
			"1": model.StatusStopped,
			"2": model.StatusPaused,
			"3": model.StatusError,
			"4": model.StatusChecking,
			"5": model.StatusStopped, // complete, not yet shared
		},
		SeedingStatus: map[string]bool{"6": true},
		PriorityMap: map[int]string{
			model.PriorityNormal: "Normal",
			model.PriorityHigh:   "High",
			model.PriorityLow:    "Low",
			model.PriorityAuto:   "Auto",
		},
		Features: Features{
			NativeMove:                  false,
			CategoryChangeAutoMoves:     false,
			StopReplacesPause:           false,
			MultiFile:                   false,
			SharedFiles:                 true,
			SharedMeansComplete:         true,
			RemoveSharedMustDeleteFiles: true,
			PauseBeforeMove:             false,
			Trackers:                    false,
			Search:                      true,
			CancelDeletesFiles:          false,
			APIDeletesFiles:             false,
			RefreshSharedAfterDelete:    true,
			Categories:                  true,
			Logs:                        true,
		},
	},
	model.ClientQBittorrent: {
		Network:       NetworkBitTorrent,
		HashLength:    40,
		MetricsPrefix: "qbittorrent",
		StatusMap: map[string]model.Status{
			"downloading": model.StatusActive,
			"stalledDL":   model.StatusActive,
			"metaDL":      model.StatusActive,
			"queuedDL":    model.StatusPaused,
			"pausedDL":    model.StatusPaused,
			"uploading":   model.StatusSeeding,
			"stalledUP":   model.StatusSeeding,
			"queuedUP":    model.StatusSeeding,
			"checkingDL":  model.StatusChecking,
			"checkingUP":  model.StatusChecking,
			"error":       model.StatusError,
			"missingFiles": model.StatusError,
			"moving":      model.StatusMoving,
		},
		SeedingStatus: map[string]bool{"uploading": true, "stalledUP": true, "queuedUP": true},
		PriorityMap: map[int]string{
			model.PriorityNormal: "0",
			model.PriorityHigh:   "1",
			model.PriorityLow:    "-1",
			model.PriorityAuto:   "0",
		},
		Features: Features{
			NativeMove:              true,
			CategoryChangeAutoMoves: true,
			StopReplacesPause:       true,
			MultiFile:               true,
			SharedFiles:             false,
			SharedMeansComplete:     false,
			PauseBeforeMove:         false,
			Trackers:                true,
			Search:                  false,
			CancelDeletesFiles:      false,
			APIDeletesFiles:         true,
			Categories:              true,
			Logs:                    true,
		},
	},
	model.ClientTransmission: {
		Network:       NetworkBitTorrent,
		HashLength:    40,
		MetricsPrefix: "transmission",
		StatusMap: map[string]model.Status{
			"0": model.StatusStopped,
			"1": model.StatusChecking, // queued to check
			"2": model.StatusChecking,
			"3": model.StatusActive, // queued to download
			"4": model.StatusActive,
			"5": model.StatusSeeding, // queued to seed
			"6": model.StatusSeeding,
		},
		SeedingStatus: map[string]bool{"5": true, "6": true},
		PriorityMap: map[int]string{
			model.PriorityNormal: "0",
			model.PriorityHigh:   "1",
			model.PriorityLow:    "-1",
			model.PriorityAuto:   "0",
		},
		Features: Features{
			NativeMove:              false,
			CategoryChangeAutoMoves: false,
			StopReplacesPause:       true,
			MultiFile:               true,
			SharedFiles:             false,
			PauseBeforeMove:         true,
			Trackers:                true,
			Search:                  false,
			CancelDeletesFiles:      true,
			APIDeletesFiles:         false,
			Categories:              false, // transmission has no label concept modeled here
			Logs:                    false,
		},
	},
}

// Get returns the static meta for a client type and whether it is known.
func Get(t model.ClientType) (Meta, bool) {
	m, ok := table[t]
	return m, ok
}

// MustGet panics on an unknown type; only safe at startup after Validate.
func MustGet(t model.ClientType) Meta {
	m, ok := table[t]
	if !ok {
		panic("captab: unknown client type " + string(t))
	}
	return m
}

// Known returns every registered client type, for config validation.
func Known() []model.ClientType {
	out := make([]model.ClientType, 0, len(table))
	for t := range table {
		out = append(out, t)
	}
	return out
}

func IsKnown(t model.ClientType) bool {
	_, ok := table[t]
	return ok
}

// UnifiedStatus translates a native status code/string through the type's
// StatusMap, falling back to StatusError for anything unrecognized so a
// protocol surprise degrades visibly instead of silently.
func (m Meta) UnifiedStatus(native string) model.Status {
	if s, ok := m.StatusMap[native]; ok {
		return s
	}
	return model.StatusError
}

func (m Meta) IsSeedingNative(native string) bool {
	return m.SeedingStatus[native]
}

// NativePriority translates a unified priority (0..3) into the client's
// native priority token, per the optional priority-translation table.
func (m Meta) NativePriority(unified int) (string, bool) {
	v, ok := m.PriorityMap[unified]
	return v, ok
}
