// Package pipeline implements the Unified Item Assembler and Enrichment
// layer (spec.md §4.4): per-client fetch, cross-client assembly,
// peer/added-at enrichment, and the move-status overlay, followed by a
// cached, timestamped snapshot other callers read through without
// re-pulling.
package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/got3nks/amule-web-controller-sub002/internal/adapter"
	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/captab"
	"github.com/got3nks/amule-web-controller-sub002/internal/logging"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
	"github.com/got3nks/amule-web-controller-sub002/internal/registry"
)

// GeoIPResolver and HostnameResolver are the injected enrichment
// collaborators named only through their contract (spec.md §1's
// out-of-scope list: "GeoIP and reverse-DNS enrichment implementations").
type GeoIPResolver interface {
	Resolve(ip string) (*model.Geo, bool)
}

type HostnameResolver interface {
	Resolve(ip string) (string, bool)
}

// HistoryStore supplies the addedAt backfill (spec.md §4.4 step 3) and
// records the first-seen timestamp for items that arrive with none, so
// later ticks have a stable answer instead of re-deriving "now" forever.
type HistoryStore interface {
	AddedAt(compoundKey string) (time.Time, bool)
	RecordIfAbsent(compoundKey string, at time.Time) error
}

// MoveOverlay supplies the move-status overlay (spec.md §4.4 step 4).
type MoveOverlay interface {
	Lookup(compoundKey string) (model.MoveOperation, bool)
}

// CategoriesSource feeds fetchData's categoriesHint parameter.
type CategoriesSource interface {
	GetAllForFrontend() []model.Category
}

type noopGeoIP struct{}

func (noopGeoIP) Resolve(string) (*model.Geo, bool) { return nil, false }

type stdlibHostname struct{}

// Resolve provides a minimal default reverse-DNS lookup so the pipeline
// is usable without a dedicated collaborator wired in; a production
// deployment injects a caching resolver instead (spec.md §1 non-goal).
func (stdlibHostname) Resolve(ip string) (string, bool) {
	names, err := netLookupAddr(ip)
	if err != nil || len(names) == 0 {
		return "", false
	}
	return names[0], true
}

type Assembler struct {
	registry   *registry.Registry
	categories CategoriesSource
	geoip      GeoIPResolver
	hostnames  HostnameResolver
	history    HistoryStore
	moves      MoveOverlay
	cache      *Cache
	log        *logging.Logger
}

func New(reg *registry.Registry, categories CategoriesSource, history HistoryStore, moves MoveOverlay, geoip GeoIPResolver, hostnames HostnameResolver) *Assembler {
	if geoip == nil {
		geoip = noopGeoIP{}
	}
	if hostnames == nil {
		hostnames = stdlibHostname{}
	}
	return &Assembler{
		registry:   reg,
		categories: categories,
		geoip:      geoip,
		hostnames:  hostnames,
		history:    history,
		moves:      moves,
		cache:      newCache(),
		log:        logging.New("pipeline"),
	}
}

// Batch is one tick's assembled, enriched result.
type Batch struct {
	Items     []model.UnifiedItem
	Uploads   []model.Peer
	Timestamp time.Time
}

// Cache returns the cache this assembler writes to, so callers (history
// API, compatibility APIs) can read through it without re-pulling.
func (a *Assembler) Cache() *Cache { return a.cache }

// Run executes one full pipeline tick. Per spec.md §5 ordering guarantee
// 1, the caller (scheduler) must serialize ticks; Run itself fans its
// per-adapter fetches out in parallel via errgroup, matching spec.md §5's
// "parallel workers" scheduling model while keeping a single tick atomic
// from the cache's point of view.
func (a *Assembler) Run(ctx context.Context) (Batch, error) {
	connected := a.registry.GetConnected()
	categoriesHint := a.categories.GetAllForFrontend()

	results := make([]adapter.FetchResult, len(connected))
	g, gctx := errgroup.WithContext(ctx)
	for i, ad := range connected {
		i, ad := i, ad
		g.Go(func() error {
			res, err := ad.FetchData(gctx, categoriesHint)
			if err != nil {
				// fetchData must never propagate transport errors to the
				// pipeline (spec.md §4.1); this is a defensive floor.
				a.log.Warnf("fetchData(%s) returned an error despite the no-throw contract: %v", ad.InstanceID(), err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, apperr.Wrap(apperr.Internal, err, "pipeline tick")
	}

	items, uploads := assemble(connected, results)
	a.enrich(items)
	a.overlayMoves(items)

	batch := Batch{Items: items, Uploads: uploads, Timestamp: time.Now()}
	a.cache.Set(batch)
	return batch, nil
}

// assemble concatenates downloads/sharedFiles/uploads across instances
// into one UnifiedItem stream, enforcing "one UnifiedItem per
// (instanceId, hash)" (spec.md §8 invariant 1) and the ed2k
// sharedMeansComplete merge rule.
func assemble(connected []adapter.Adapter, results []adapter.FetchResult) ([]model.UnifiedItem, []model.Peer) {
	byKey := map[string]*model.UnifiedItem{}
	order := make([]string, 0)
	var uploads []model.Peer

	for i, ad := range connected {
		res := results[i]
		meta, _ := captab.Get(ad.ClientType())

		for _, d := range res.Downloads {
			key := model.CompoundKey(d.InstanceID, d.Hash)
			if _, exists := byKey[key]; !exists {
				order = append(order, key)
			}
			cp := d
			byKey[key] = &cp
		}

		if meta.Features.SharedMeansComplete {
			for _, s := range res.SharedFiles {
				key := model.CompoundKey(s.InstanceID, s.Hash)
				if existing, ok := byKey[key]; ok {
					existing.Shared = true
					existing.Complete = true
					existing.Seeding = true
					existing.Status = model.StatusSeeding
					existing.Progress = 1.0
					continue
				}
				cp := s
				byKey[key] = &cp
				order = append(order, key)
			}
		} else {
			// BitTorrent-family: downloads and sharedFiles are the same
			// list, already folded in above; nothing further to merge.
			_ = res.SharedFiles
		}

		uploads = append(uploads, res.Uploads...)
	}

	items := make([]model.UnifiedItem, 0, len(order))
	for _, k := range order {
		it := byKey[k]
		// invariants: complete == progress reaches 1.0; seeding implies
		// complete; downloading implies !complete.
		if it.Progress >= 1.0 {
			it.Complete = true
		}
		if it.Seeding {
			it.Complete = true
		}
		if it.Complete {
			it.Downloading = false
		}
		items = append(items, *it)
	}
	return items, uploads
}

func (a *Assembler) enrich(items []model.UnifiedItem) {
	var wg sync.WaitGroup
	for i := range items {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.enrichPeers(items[i].PeersDetailed)
			a.enrichPeers(items[i].ActiveUploads)
			if items[i].AddedAt.IsZero() && a.history != nil {
				key := model.CompoundKey(items[i].InstanceID, items[i].Hash)
				if t, ok := a.history.AddedAt(key); ok {
					items[i].AddedAt = t
				} else {
					now := time.Now()
					if err := a.history.RecordIfAbsent(key, now); err != nil {
						a.log.Warnf("recording first-seen for %s: %v", key, err)
					}
					items[i].AddedAt = now
				}
			}
		}()
	}
	wg.Wait()
}

func (a *Assembler) enrichPeers(peers []model.Peer) {
	for i := range peers {
		if geo, ok := a.geoip.Resolve(peers[i].Address); ok {
			peers[i].Geo = geo
		}
		if host, ok := a.hostnames.Resolve(peers[i].Address); ok {
			peers[i].Hostname = host
		}
	}
}

func (a *Assembler) overlayMoves(items []model.UnifiedItem) {
	if a.moves == nil {
		return
	}
	for i := range items {
		key := model.CompoundKey(items[i].InstanceID, items[i].Hash)
		if mv, ok := a.moves.Lookup(key); ok {
			items[i].Status = model.StatusMoving
			items[i].MoveStatus = string(mv.Status)
			if mv.TotalSize > 0 {
				items[i].MoveProgress = float64(mv.BytesMoved) / float64(mv.TotalSize)
			}
			items[i].MoveFilesTotal = mv.FilesTotal
			items[i].MoveFilesMoved = mv.FilesMoved
			items[i].MoveCurrentFile = mv.CurrentFile
		}
	}
}
