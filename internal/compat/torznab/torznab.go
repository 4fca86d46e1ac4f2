// Package torznab implements the single-endpoint Torznab indexer
// (spec.md §4.12): a GET /indexer/amule/api, API-key authenticated,
// proxying search queries to the ed2k adapter and rendering results as
// the Torznab RSS/XML document shape third-party automation (Sonarr,
// Radarr-style tools) expects from an indexer.
package torznab

import (
	"context"
	"encoding/xml"
	"net/http"
	"strconv"
	"time"

	"github.com/got3nks/amule-web-controller-sub002/internal/adapter"
	"github.com/got3nks/amule-web-controller-sub002/internal/logging"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
	"github.com/got3nks/amule-web-controller-sub002/internal/registry"
)

// KeyChecker validates the Torznab apikey query parameter against the
// admin user's API key (spec.md §4.12: "Admin-only").
type KeyChecker interface {
	IsValidAdminKey(apiKey string) bool
}

type Indexer struct {
	registry    *registry.Registry
	keys        KeyChecker
	authEnabled bool
	log         *logging.Logger
}

func New(reg *registry.Registry, keys KeyChecker, authEnabled bool) *Indexer {
	return &Indexer{registry: reg, keys: keys, authEnabled: authEnabled, log: logging.New("torznab")}
}

func (ix *Indexer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/indexer/amule/api", ix.handle)
}

func (ix *Indexer) handle(w http.ResponseWriter, r *http.Request) {
	if ix.authEnabled {
		apiKey := r.URL.Query().Get("apikey")
		if apiKey == "" || !ix.keys.IsValidAdminKey(apiKey) {
			http.Error(w, "invalid API key", http.StatusUnauthorized)
			return
		}
	}

	switch r.URL.Query().Get("t") {
	case "caps", "":
		ix.writeCaps(w)
	case "search", "tvsearch", "movie":
		ix.writeSearch(w, r)
	default:
		http.Error(w, "unsupported function", http.StatusBadRequest)
	}
}

func (ix *Indexer) writeCaps(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write([]byte(xml.Header))
	w.Write([]byte(`<caps>
  <server title="amule indexer"/>
  <limits max="100" default="50"/>
  <searching>
    <search available="yes" supportedParams="q"/>
  </searching>
  <categories>
    <category id="8000" name="Other"/>
  </categories>
</caps>`))
}

type rssFeed struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title      string        `xml:"title"`
	GUID       string        `xml:"guid"`
	Link       string        `xml:"link"`
	Size       int64         `xml:"size"`
	PubDate    string        `xml:"pubDate"`
	Enclosure  rssEnclosure  `xml:"enclosure"`
	Attrs      []torznabAttr `xml:"torznab:attr"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}

type torznabAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func (ix *Indexer) writeSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	var searcher adapter.Searcher
	for _, a := range ix.registry.GetByType(model.ClientAmule) {
		if s, ok := a.(adapter.Searcher); ok {
			searcher = s
			break
		}
	}
	if searcher == nil {
		http.Error(w, "no ed2k instance available", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	results, err := searcher.Search(ctx, query)
	if err != nil {
		ix.log.Warnf("search %q: %v", query, err)
		http.Error(w, "search failed", http.StatusBadGateway)
		return
	}

	feed := rssFeed{Version: "2.0", Channel: rssChannel{Title: "amule indexer results"}}
	now := time.Now().UTC().Format(time.RFC1123Z)
	for _, res := range results {
		feed.Channel.Items = append(feed.Channel.Items, rssItem{
			Title:   res.Name,
			GUID:    res.ResultHash,
			Link:    res.Ed2kLink,
			Size:    res.Size,
			PubDate: now,
			Enclosure: rssEnclosure{
				URL:    res.Ed2kLink,
				Length: res.Size,
				Type:   "application/x-ed2k",
			},
			Attrs: []torznabAttr{
				{Name: "size", Value: strconv.FormatInt(res.Size, 10)},
				{Name: "seeders", Value: strconv.Itoa(res.SourcesC)},
				{Name: "peers", Value: strconv.Itoa(res.Sources)},
			},
		})
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_ = enc.Encode(feed)
}
