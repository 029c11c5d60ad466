// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

// Permissions defines access control for a match.
type Permissions struct {
	Public string            `json:"public"` // "none", "read"
	Users  map[string]string `json:"users"`  // "email": "read"|"write"
}

// MatchDocument is a match as stored on disk: the engine state plus the
// metadata and action log around it.
type MatchDocument struct {
	scoring.Match

	SchemaVersion int               `json:"schemaVersion"`
	OwnerID       string            `json:"ownerId"`
	Permissions   Permissions       `json:"permissions"`
	Title         string            `json:"title,omitempty"`
	Venue         string            `json:"venue,omitempty"`
	Date          string            `json:"date,omitempty"`
	Team1Name     string            `json:"team1Name,omitempty"`
	Team2Name     string            `json:"team2Name,omitempty"`
	PlayerNames   map[string]string `json:"playerNames,omitempty"`
	ActionLog     []json.RawMessage `json:"actionLog"`
	CreatedAt     int64             `json:"createdAt,omitempty"`

	// DeletedAt is the timestamp (Unix Nano) when the match was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	// LastRaftIndex is the index of the last Raft log entry applied to this match.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (d *MatchDocument) normalize() {
	if d.SchemaVersion == 0 {
		d.SchemaVersion = CurrentSchemaVersion
	}
	if d.Permissions.Users == nil {
		d.Permissions.Users = make(map[string]string)
	}
	if d.ActionLog == nil {
		d.ActionLog = make([]json.RawMessage, 0)
	}
	if d.Innings == nil {
		d.Innings = make([]scoring.Innings, 0)
	}
}

// Revision returns the id of the last applied action, or "" for a match
// without actions.
func (d *MatchDocument) Revision() string {
	return getCurrentRevision(d.ActionLog)
}

// Clone returns a deep copy of the document.
func (d *MatchDocument) Clone() *MatchDocument {
	c := *d
	c.Match = d.Match.Clone()
	c.Permissions.Users = make(map[string]string, len(d.Permissions.Users))
	for k, v := range d.Permissions.Users {
		c.Permissions.Users[k] = v
	}
	if d.PlayerNames != nil {
		c.PlayerNames = make(map[string]string, len(d.PlayerNames))
		for k, v := range d.PlayerNames {
			c.PlayerNames[k] = v
		}
	}
	c.ActionLog = append([]json.RawMessage(nil), d.ActionLog...)
	return &c
}

// Metadata returns the index entry for the document.
func (d *MatchDocument) Metadata() MatchMetadata {
	meta := MatchMetadata{
		ID:          d.ID,
		OwnerID:     d.OwnerID,
		Permissions: d.Permissions,
		Title:       d.Title,
		Venue:       d.Venue,
		Date:        d.Date,
		Team1ID:     d.Team1ID,
		Team2ID:     d.Team2ID,
		Team1Name:   d.Team1Name,
		Team2Name:   d.Team2Name,
		Overs:       d.Overs,
		Status:      d.Status,
		Result:      d.Result,
		Revision:    d.Revision(),
		CreatedAt:   d.CreatedAt,
		DeletedAt:   d.DeletedAt,
	}
	for _, inn := range d.Innings {
		balls := inn.LegalBalls()
		meta.Innings = append(meta.Innings, InningsSummary{
			BattingTeamID: inn.BattingTeamID,
			Runs:          inn.Score,
			Wickets:       inn.Wickets,
			Balls:         balls,
			AllOut:        inn.AllOut,
			Summary:       fmt.Sprintf("%d/%d (%s)", inn.Score, inn.Wickets, scoring.FormatOvers(inn.Overs)),
		})
	}
	return meta
}

// InningsSummary is the scoreline of one innings.
type InningsSummary struct {
	BattingTeamID string `json:"battingTeamId"`
	Runs          int    `json:"runs"`
	Wickets       int    `json:"wickets"`
	Balls         int    `json:"balls"`
	AllOut        bool   `json:"allOut,omitempty"`
	Summary       string `json:"summary"`
}

// MatchMetadata contains only the fields needed for indexing and listing.
type MatchMetadata struct {
	ID          string           `json:"id"`
	OwnerID     string           `json:"ownerId"`
	Permissions Permissions      `json:"permissions"`
	Title       string           `json:"title,omitempty"`
	Venue       string           `json:"venue,omitempty"`
	Date        string           `json:"date,omitempty"`
	Team1ID     string           `json:"team1Id"`
	Team2ID     string           `json:"team2Id"`
	Team1Name   string           `json:"team1Name,omitempty"`
	Team2Name   string           `json:"team2Name,omitempty"`
	Overs       int              `json:"overs"`
	Status      scoring.Status   `json:"status"`
	Result      string           `json:"result,omitempty"`
	Innings     []InningsSummary `json:"innings,omitempty"`
	Revision    string           `json:"revision"`
	CreatedAt   int64            `json:"createdAt,omitempty"`
	DeletedAt   int64            `json:"deletedAt"`
}

// MatchStore manages match persistence to disk.
type MatchStore struct {
	DataDir string
	Debug   bool
	storage *storage.Storage
	mu      sync.Map // *sync.RWMutex per match id
	cache   sync.Map // latest JSON per match id

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

// NewMatchStore creates a new MatchStore.
func NewMatchStore(dataDir string, s *storage.Storage) *MatchStore {
	return &MatchStore{
		DataDir: dataDir,
		storage: s,
		dirty:   make(map[string]bool),
	}
}

func matchFiles(id string) (string, string) {
	enc := url.PathEscape(id)
	return filepath.Join("matches", enc+".json"), filepath.Join("matches", enc+".meta.json")
}

func (ms *MatchStore) lock(id string) *sync.RWMutex {
	m, _ := ms.mu.LoadOrStore(id, &sync.RWMutex{})
	return m.(*sync.RWMutex)
}

// SaveMatch writes the match and its metadata sidecar to disk.
func (ms *MatchStore) SaveMatch(doc *MatchDocument) error {
	mutex := ms.lock(doc.ID)
	mutex.Lock()
	defer mutex.Unlock()

	filename, metaFilename := matchFiles(doc.ID)
	if err := ms.storage.SaveDataFile(filename, doc); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	meta := doc.Metadata()
	if err := ms.storage.SaveDataFile(metaFilename, &meta); err != nil {
		// Listing falls back to the main file.
		log.Printf("Warning: Failed to save metadata sidecar for match %s: %v", doc.ID, err)
	}

	if jsonBytes, err := json.Marshal(doc); err == nil {
		ms.cache.Store(doc.ID, jsonBytes)
	}

	ms.dirtyMu.Lock()
	delete(ms.dirty, doc.ID)
	ms.dirtyMu.Unlock()
	return nil
}

// SaveMatchInMemory updates the cache and marks the match as dirty.
// If forceSync is true, it writes to disk immediately.
func (ms *MatchStore) SaveMatchInMemory(doc *MatchDocument, forceSync bool) error {
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	ms.cache.Store(doc.ID, jsonBytes)

	if forceSync {
		return ms.SaveMatch(doc)
	}

	ms.dirtyMu.Lock()
	ms.dirty[doc.ID] = true
	ms.dirtyMu.Unlock()
	return nil
}

// Flush persists a match to disk if it is dirty.
func (ms *MatchStore) Flush(id string) error {
	ms.dirtyMu.Lock()
	if !ms.dirty[id] {
		ms.dirtyMu.Unlock()
		return nil
	}
	ms.dirtyMu.Unlock()

	val, ok := ms.cache.Load(id)
	if !ok {
		ms.dirtyMu.Lock()
		delete(ms.dirty, id)
		ms.dirtyMu.Unlock()
		return fmt.Errorf("match %s marked dirty but not found in cache", id)
	}

	var doc MatchDocument
	if err := json.Unmarshal(val.([]byte), &doc); err != nil {
		return fmt.Errorf("failed to unmarshal match from cache for flush: %w", err)
	}
	return ms.SaveMatch(&doc)
}

// FlushAll persists all dirty matches to disk.
func (ms *MatchStore) FlushAll() error {
	ms.dirtyMu.Lock()
	ids := make([]string, 0, len(ms.dirty))
	for id := range ms.dirty {
		ids = append(ids, id)
	}
	ms.dirtyMu.Unlock()

	for _, id := range ids {
		if err := ms.Flush(id); err != nil {
			return fmt.Errorf("failed to flush match %s: %w", id, err)
		}
	}
	return nil
}

// LoadMatch loads a match by id. A missing match returns os.ErrNotExist.
func (ms *MatchStore) LoadMatch(id string) (*MatchDocument, error) {
	if val, ok := ms.cache.Load(id); ok {
		var doc MatchDocument
		if err := json.Unmarshal(val.([]byte), &doc); err == nil {
			if ms.Debug {
				log.Printf("[CACHE] Hit for match %s", id)
			}
			doc.normalize()
			return &doc, nil
		}
		ms.cache.Delete(id)
	}
	if ms.Debug {
		log.Printf("[CACHE] Miss for match %s", id)
	}

	mutex := ms.lock(id)
	mutex.RLock()
	defer mutex.RUnlock()

	filename, _ := matchFiles(id)
	var doc MatchDocument
	if err := ms.storage.ReadDataFile(filename, &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	doc.normalize()

	if jsonBytes, err := json.Marshal(&doc); err == nil {
		ms.cache.Store(id, jsonBytes)
	}
	return &doc, nil
}

// DeleteMatch replaces a match with a tombstone that keeps its owner.
func (ms *MatchStore) DeleteMatch(id string) error {
	doc, err := ms.LoadMatch(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	tombstone := &MatchDocument{
		Match:         scoring.Match{ID: id, Status: StatusDeleted},
		SchemaVersion: CurrentSchemaVersion,
		OwnerID:       doc.OwnerID,
		DeletedAt:     time.Now().UnixNano(),
		LastRaftIndex: doc.LastRaftIndex,
	}
	tombstone.normalize()
	return ms.SaveMatch(tombstone)
}

// PurgeMatch permanently deletes the match files.
func (ms *MatchStore) PurgeMatch(id string) error {
	mutex := ms.lock(id)
	mutex.Lock()
	defer mutex.Unlock()

	ms.cache.Delete(id)
	ms.dirtyMu.Lock()
	delete(ms.dirty, id)
	ms.dirtyMu.Unlock()

	filename, metaFilename := matchFiles(id)
	if err := os.Remove(filepath.Join(ms.DataDir, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not purge match file: %w", err)
	}
	if err := os.Remove(filepath.Join(ms.DataDir, metaFilename)); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not purge meta file for match %s: %v", id, err)
	}
	return nil
}

// scanIDs returns the ids of the match files and metadata sidecars on disk.
func (ms *MatchStore) scanIDs() (docs, metas []string, err error) {
	files, err := os.ReadDir(filepath.Join(ms.DataDir, "matches"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("could not read matches directory: %w", err)
	}
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		var list *[]string
		switch {
		case strings.HasSuffix(name, ".meta.json"):
			name, list = strings.TrimSuffix(name, ".meta.json"), &metas
		case strings.HasSuffix(name, ".json"):
			name, list = strings.TrimSuffix(name, ".json"), &docs
		default:
			continue
		}
		if id, err := url.PathUnescape(name); err == nil {
			*list = append(*list, id)
		}
	}
	return docs, metas, nil
}

func (ms *MatchStore) dirtyIDs() []string {
	ms.dirtyMu.Lock()
	defer ms.dirtyMu.Unlock()
	ids := make([]string, 0, len(ms.dirty))
	for id := range ms.dirty {
		ids = append(ids, id)
	}
	return ids
}

// ListAllMatchMetadata returns metadata for all matches without loading
// their ledgers. Dirty matches are read from the cache; matches without a
// readable sidecar are loaded in full.
func (ms *MatchStore) ListAllMatchMetadata() iter.Seq2[MatchMetadata, error] {
	return func(yield func(MatchMetadata, error) bool) {
		docs, metas, err := ms.scanIDs()
		if err != nil {
			yield(MatchMetadata{}, err)
			return
		}
		processed := make(map[string]bool)
		for _, id := range ms.dirtyIDs() {
			doc, err := ms.LoadMatch(id)
			if err != nil {
				log.Printf("Error: Failed to load dirty match %s: %v", id, err)
				continue
			}
			processed[id] = true
			if !yield(doc.Metadata(), nil) {
				return
			}
		}
		for _, id := range metas {
			if processed[id] {
				continue
			}
			_, metaFilename := matchFiles(id)
			var meta MatchMetadata
			if err := ms.storage.ReadDataFile(metaFilename, &meta); err != nil {
				log.Printf("Registry Warning: failed to load metadata for %s: %v. Falling back to main file.", id, err)
				continue
			}
			processed[id] = true
			if !yield(meta, nil) {
				return
			}
		}
		for _, id := range docs {
			if processed[id] {
				continue
			}
			doc, err := ms.LoadMatch(id)
			if err != nil {
				log.Printf("Registry Warning: failed to load match %s from disk: %v", id, err)
				continue
			}
			processed[id] = true
			if !yield(doc.Metadata(), nil) {
				return
			}
		}
	}
}

// ListAllMatches returns an iterator over every stored match, including
// dirty matches not yet flushed.
func (ms *MatchStore) ListAllMatches() iter.Seq2[*MatchDocument, error] {
	return func(yield func(*MatchDocument, error) bool) {
		docs, _, err := ms.scanIDs()
		if err != nil {
			yield(nil, err)
			return
		}
		seen := make(map[string]bool)
		for _, id := range append(docs, ms.dirtyIDs()...) {
			if seen[id] {
				continue
			}
			seen[id] = true
			doc, err := ms.LoadMatch(id)
			if err != nil {
				log.Printf("Warning: could not load match '%s': %v", id, err)
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}
