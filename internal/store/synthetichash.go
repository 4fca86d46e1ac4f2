package store

import (
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"sync"

	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
)

// SyntheticHashStore is the deterministic bi-map required by the
// torrent-WebUI compatibility facade (spec.md §6.5): every ed2k 32-hex
// hash must always map to the same 40-hex synthetic hash, persisted so
// restarts don't reshuffle the mapping. The synthetic value itself is
// derived deterministically (sha1 of a fixed prefix plus the ed2k hash,
// whose hex digest is conveniently
// already 40 hex characters) so a fresh install that later replays the
// same ed2k hash reproduces the same synthetic hash even before hitting
// the database — the table exists for the reverse lookup and to freeze
// the mapping against any future change of derivation.
type SyntheticHashStore struct {
	db *sql.DB
	mu sync.RWMutex

	toSynthetic map[string]string
	toEd2k      map[string]string
}

func NewSyntheticHashStore(db *sql.DB) (*SyntheticHashStore, error) {
	s := &SyntheticHashStore{db: db, toSynthetic: map[string]string{}, toEd2k: map[string]string{}}
	rows, err := db.Query(`SELECT ed2k_hash, synthetic_hash FROM synthetic_hashes`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "loading synthetic hash store")
	}
	defer rows.Close()
	for rows.Next() {
		var e, sHash string
		if err := rows.Scan(&e, &sHash); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scanning synthetic hash row")
		}
		s.toSynthetic[e] = sHash
		s.toEd2k[sHash] = e
	}
	return s, rows.Err()
}

func derive(ed2kHash string) string {
	sum := sha1.Sum([]byte("amule-web-controller:" + ed2kHash))
	return hex.EncodeToString(sum[:])
}

// SyntheticFor returns (creating and persisting if necessary) the stable
// 40-hex synthetic hash for an ed2k 32-hex hash.
func (s *SyntheticHashStore) SyntheticFor(ed2kHash string) (string, error) {
	s.mu.RLock()
	if v, ok := s.toSynthetic[ed2kHash]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.toSynthetic[ed2kHash]; ok {
		return v, nil
	}
	synthetic := derive(ed2kHash)
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO synthetic_hashes (ed2k_hash, synthetic_hash) VALUES (?, ?)`,
		ed2kHash, synthetic,
	); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "persisting synthetic hash")
	}
	s.toSynthetic[ed2kHash] = synthetic
	s.toEd2k[synthetic] = ed2kHash
	return synthetic, nil
}

// Ed2kFor is the reverse lookup used when a compatibility client submits
// a synthetic hash back to the server (e.g. torrents/pause).
func (s *SyntheticHashStore) Ed2kFor(synthetic string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.toEd2k[synthetic]
	return v, ok
}
