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
	"fmt"
	"iter"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
)

// Player is a member of a team roster.
type Player struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	IsWicketKeeper bool   `json:"isWicketKeeper,omitempty"`
}

// TeamRoles defines the members of a team by their role.
type TeamRoles struct {
	Admins       []string `json:"admins"`
	Scorekeepers []string `json:"scorekeepers"`
	Spectators   []string `json:"spectators"`
}

func (r *TeamRoles) normalize() {
	if r.Admins == nil {
		r.Admins = make([]string, 0)
	}
	if r.Scorekeepers == nil {
		r.Scorekeepers = make([]string, 0)
	}
	if r.Spectators == nil {
		r.Spectators = make([]string, 0)
	}
}

// Team is a persistent team roster and its permissions.
type Team struct {
	ID            string    `json:"id"`
	SchemaVersion int       `json:"schemaVersion"`
	Name          string    `json:"name,omitempty"`
	ShortName     string    `json:"shortName,omitempty"`
	Roster        []Player  `json:"roster"`
	OwnerID       string    `json:"ownerId"`
	Roles         TeamRoles `json:"roles"`
	UpdatedAt     int64     `json:"updatedAt,omitempty"`

	// Status is empty for an active team or "deleted".
	Status    string `json:"status,omitempty"`
	DeletedAt int64  `json:"deletedAt,omitempty"`

	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (t *Team) normalize() {
	if t.SchemaVersion == 0 {
		t.SchemaVersion = CurrentSchemaVersion
	}
	if t.Roster == nil {
		t.Roster = make([]Player, 0)
	}
	t.Roles.normalize()
}

// Deleted reports whether t is a tombstone.
func (t *Team) Deleted() bool {
	return t.Status == string(StatusDeleted)
}

// Player returns the roster entry with the given id.
func (t *Team) Player(id string) (Player, bool) {
	i := slices.IndexFunc(t.Roster, func(p Player) bool { return p.ID == id })
	if i < 0 {
		return Player{}, false
	}
	return t.Roster[i], true
}

// RosterIDs returns the player ids of the roster in order.
func (t *Team) RosterIDs() []string {
	ids := make([]string, len(t.Roster))
	for i, p := range t.Roster {
		ids[i] = p.ID
	}
	return ids
}

// Metadata returns the index entry for the team.
func (t *Team) Metadata() TeamMetadata {
	return TeamMetadata{
		ID:        t.ID,
		Name:      t.Name,
		ShortName: t.ShortName,
		OwnerID:   t.OwnerID,
		Roles:     t.Roles,
		Players:   len(t.Roster),
		UpdatedAt: t.UpdatedAt,
		Status:    t.Status,
		DeletedAt: t.DeletedAt,
	}
}

// TeamMetadata contains only the fields needed for indexing.
type TeamMetadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ShortName string    `json:"shortName,omitempty"`
	OwnerID   string    `json:"ownerId"`
	Roles     TeamRoles `json:"roles"`
	Players   int       `json:"players"`
	UpdatedAt int64     `json:"updatedAt"`
	Status    string    `json:"status"`
	DeletedAt int64     `json:"deletedAt"`
}

// TeamStore manages team persistence to disk.
type TeamStore struct {
	DataDir string
	storage *storage.Storage
	mu      sync.Map // *sync.Mutex per team id
}

// NewTeamStore creates a new TeamStore.
func NewTeamStore(dataDir string, s *storage.Storage) *TeamStore {
	return &TeamStore{
		DataDir: dataDir,
		storage: s,
	}
}

func teamFile(id string) string {
	return filepath.Join("teams", url.PathEscape(id)+".json")
}

func (ts *TeamStore) lock(id string) *sync.Mutex {
	m, _ := ts.mu.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// SaveTeam saves the team data atomically.
func (ts *TeamStore) SaveTeam(team *Team) error {
	mutex := ts.lock(team.ID)
	mutex.Lock()
	defer mutex.Unlock()

	if err := ts.storage.SaveDataFile(teamFile(team.ID), team); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// LoadTeam loads the team data by id. A missing team returns os.ErrNotExist.
func (ts *TeamStore) LoadTeam(id string) (*Team, error) {
	var t Team
	if err := ts.storage.ReadDataFile(teamFile(id), &t); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	t.normalize()
	return &t, nil
}

// ListAllTeams returns an iterator over all teams, tombstones included.
func (ts *TeamStore) ListAllTeams() iter.Seq2[*Team, error] {
	return func(yield func(*Team, error) bool) {
		files, err := os.ReadDir(filepath.Join(ts.DataDir, "teams"))
		if err != nil {
			if !os.IsNotExist(err) {
				yield(nil, fmt.Errorf("could not read teams directory: %w", err))
			}
			return
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			id, err := url.PathUnescape(strings.TrimSuffix(file.Name(), ".json"))
			if err != nil {
				continue
			}
			t, err := ts.LoadTeam(id)
			if err != nil {
				log.Printf("Warning: could not load team '%s': %v", id, err)
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

// ListAllTeamMetadata returns an iterator over metadata for all teams.
func (ts *TeamStore) ListAllTeamMetadata() iter.Seq2[TeamMetadata, error] {
	return func(yield func(TeamMetadata, error) bool) {
		for t, err := range ts.ListAllTeams() {
			if err != nil {
				yield(TeamMetadata{}, err)
				return
			}
			if !yield(t.Metadata(), nil) {
				return
			}
		}
	}
}

// DeleteTeam replaces a team with a tombstone that keeps its owner.
func (ts *TeamStore) DeleteTeam(id string) error {
	t, err := ts.LoadTeam(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	tombstone := &Team{
		ID:            id,
		SchemaVersion: CurrentSchemaVersion,
		OwnerID:       t.OwnerID,
		Status:        string(StatusDeleted),
		DeletedAt:     time.Now().UnixNano(),
		LastRaftIndex: t.LastRaftIndex,
	}
	tombstone.normalize()
	return ts.SaveTeam(tombstone)
}

// PurgeTeam permanently deletes the team file.
func (ts *TeamStore) PurgeTeam(id string) error {
	mutex := ts.lock(id)
	mutex.Lock()
	defer mutex.Unlock()

	if err := os.Remove(filepath.Join(ts.DataDir, teamFile(id))); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("could not purge team file: %w", err)
	}
	return nil
}
