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
	"cmp"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ttbt-io/wicketkeeper/backend/scoring"
	"github.com/ttbt-io/wicketkeeper/backend/search"
)

const tombstoneTTL = 30 * 24 * time.Hour
const gcInterval = 12 * time.Hour

// scorecardEntry is a scorecard computed at one revision of a match.
type scorecardEntry struct {
	revision string
	card     scoring.Scorecard
}

// Registry is the in-memory index of match and team metadata. It answers
// listings and access checks without loading documents.
type Registry struct {
	matchStore *MatchStore
	teamStore  *TeamStore

	mu      sync.RWMutex
	matches map[string]MatchMetadata // tombstones included
	teams   map[string]TeamMetadata

	scorecards *lru.Cache[string, scorecardEntry]

	accessPolicy *UserAccessPolicy

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a Registry and indexes the stores.
func NewRegistry(ms *MatchStore, ts *TeamStore) *Registry {
	cards, _ := lru.New[string, scorecardEntry](500)
	r := &Registry{
		matchStore: ms,
		teamStore:  ts,
		matches:    make(map[string]MatchMetadata),
		teams:      make(map[string]TeamMetadata),
		scorecards: cards,
		stopChan:   make(chan struct{}),
	}
	r.Rebuild()
	r.StartGC()
	return r
}

// StartGC starts the background tombstone garbage collector.
func (r *Registry) StartGC() {
	go func() {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.PurgeOldTombstones()
			case <-r.stopChan:
				return
			}
		}
	}()
}

// StopGC stops the background tombstone garbage collector.
func (r *Registry) StopGC() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

func expired(deletedAt int64) bool {
	return deletedAt > 0 && deletedAt < time.Now().Add(-tombstoneTTL).UnixNano()
}

// PurgeOldTombstones permanently deletes expired tombstones.
func (r *Registry) PurgeOldTombstones() {
	var purgedMatches, purgedTeams int

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.matches {
		if m.Status == StatusDeleted && expired(m.DeletedAt) {
			if err := r.matchStore.PurgeMatch(id); err != nil {
				log.Printf("Registry: failed to purge match %s: %v", id, err)
				continue
			}
			delete(r.matches, id)
			r.scorecards.Remove(id)
			purgedMatches++
		}
	}
	for id, t := range r.teams {
		if t.Status == string(StatusDeleted) && expired(t.DeletedAt) {
			if err := r.teamStore.PurgeTeam(id); err != nil {
				log.Printf("Registry: failed to purge team %s: %v", id, err)
				continue
			}
			delete(r.teams, id)
			purgedTeams++
		}
	}
	if purgedMatches > 0 || purgedTeams > 0 {
		log.Printf("Registry: GC complete. Purged %d matches, %d teams.", purgedMatches, purgedTeams)
	}
}

// Rebuild reconstructs the index by scanning the stores.
func (r *Registry) Rebuild() {
	matches := make(map[string]MatchMetadata)
	teams := make(map[string]TeamMetadata)

	for t, err := range r.teamStore.ListAllTeamMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing teams: %v", err)
			break
		}
		if t.Status == string(StatusDeleted) && expired(t.DeletedAt) {
			r.teamStore.PurgeTeam(t.ID)
			continue
		}
		teams[t.ID] = t
	}
	for m, err := range r.matchStore.ListAllMatchMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing matches: %v", err)
			break
		}
		if m.Status == StatusDeleted && expired(m.DeletedAt) {
			r.matchStore.PurgeMatch(m.ID)
			continue
		}
		matches[m.ID] = m
	}

	r.mu.Lock()
	r.matches = matches
	r.teams = teams
	r.mu.Unlock()
	r.scorecards.Purge()
	log.Printf("Registry: Rebuild complete. Indexed %d matches, %d teams.", len(matches), len(teams))
}

// UpdateAccessPolicy updates the cached access policy.
func (r *Registry) UpdateAccessPolicy(policy *UserAccessPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessPolicy = policy
}

// GetAccessPolicy returns the current access policy.
func (r *Registry) GetAccessPolicy() *UserAccessPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accessPolicy
}

// UpdateMatch indexes new metadata for a match.
func (r *Registry) UpdateMatch(m MatchMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches[m.ID] = m
}

// DeleteMatch records a match tombstone.
func (r *Registry) DeleteMatch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.matches[id]
	r.matches[id] = MatchMetadata{ID: id, OwnerID: m.OwnerID, Status: StatusDeleted, DeletedAt: time.Now().UnixNano()}
	r.scorecards.Remove(id)
}

// UpdateTeam indexes new metadata for a team.
func (r *Registry) UpdateTeam(t TeamMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teams[t.ID] = t
}

// DeleteTeam records a team tombstone.
func (r *Registry) DeleteTeam(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.teams[id]
	r.teams[id] = TeamMetadata{ID: id, OwnerID: t.OwnerID, Status: string(StatusDeleted), DeletedAt: time.Now().UnixNano()}
}

// GetMatch returns the metadata of a match that is not deleted.
func (r *Registry) GetMatch(id string) (MatchMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[id]
	if !ok || m.Status == StatusDeleted {
		return MatchMetadata{}, false
	}
	return m, true
}

// IsMatchDeleted reports whether the match is a known tombstone.
func (r *Registry) IsMatchDeleted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[id]
	return ok && m.Status == StatusDeleted
}

// GetTeam returns the metadata of a team that is not deleted.
func (r *Registry) GetTeam(id string) (TeamMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.teams[id]
	if !ok || t.Status == string(StatusDeleted) {
		return TeamMetadata{}, false
	}
	return t, true
}

// IsTeamDeleted reports whether the team is a known tombstone.
func (r *Registry) IsTeamDeleted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.teams[id]
	return ok && t.Status == string(StatusDeleted)
}

// TeamRoles implements TeamRolesSource from the index.
func (r *Registry) TeamRoles(teamID string) (TeamRoles, bool) {
	t, ok := r.GetTeam(teamID)
	return t.Roles, ok
}

// MatchAccess returns the access level of userId on a match.
func (r *Registry) MatchAccess(userId, matchId string) AccessLevel {
	m, ok := r.GetMatch(matchId)
	if !ok {
		return AccessNone
	}
	return GetMatchAccess(userId, m, r)
}

// CountOwnedMatches counts the live and completed matches owned by userId.
func (r *Registry) CountOwnedMatches(userId string) int {
	userId = normalizeEmail(userId)
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.matches {
		if m.Status != StatusDeleted && normalizeEmail(m.OwnerID) == userId {
			n++
		}
	}
	return n
}

// CountOwnedTeams counts the teams owned by userId.
func (r *Registry) CountOwnedTeams(userId string) int {
	userId = normalizeEmail(userId)
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.teams {
		if t.Status != string(StatusDeleted) && normalizeEmail(t.OwnerID) == userId {
			n++
		}
	}
	return n
}

// Counts returns the number of matches, of live matches and of teams,
// tombstones excluded.
func (r *Registry) Counts() (matches, live, teams int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.matches {
		if m.Status == StatusDeleted {
			continue
		}
		matches++
		if m.Status == scoring.StatusLive {
			live++
		}
	}
	for _, t := range r.teams {
		if t.Status != string(StatusDeleted) {
			teams++
		}
	}
	return matches, live, teams
}

// Scorecard returns the scorecard of doc, reusing the one computed for the
// same revision when possible.
func (r *Registry) Scorecard(doc *MatchDocument, names scoring.Names) scoring.Scorecard {
	rev := doc.Revision()
	if e, ok := r.scorecards.Get(doc.ID); ok && e.revision == rev {
		return e.card
	}
	card := scoring.BuildScorecard(doc.Match, names)
	r.scorecards.Add(doc.ID, scorecardEntry{revision: rev, card: card})
	return card
}

// ListMatches returns the matches visible to userId that match query,
// sorted by sortBy ("date", "title", "venue", "created") and order.
func (r *Registry) ListMatches(userId, sortBy, order, query string) []MatchMetadata {
	if sortBy == "" {
		sortBy = "date"
	}
	if order == "" {
		order = "asc"
		if sortBy == "date" || sortBy == "created" {
			order = "desc"
		}
	}
	q := search.Parse(query).Lower("date")

	r.mu.RLock()
	candidates := make([]MatchMetadata, 0, len(r.matches))
	for _, m := range r.matches {
		if m.Status != StatusDeleted {
			candidates = append(candidates, m)
		}
	}
	r.mu.RUnlock()

	out := candidates[:0]
	for _, m := range candidates {
		if GetMatchAccess(userId, m, r) >= AccessRead && matchesMatch(m, q) {
			out = append(out, m)
		}
	}

	key := func(m MatchMetadata) string {
		switch sortBy {
		case "title":
			return strings.ToLower(m.Title)
		case "venue":
			return strings.ToLower(m.Venue)
		case "date":
			return m.Date
		}
		return ""
	}
	slices.SortFunc(out, func(a, b MatchMetadata) int {
		c := cmp.Compare(key(a), key(b))
		if c == 0 && sortBy == "created" {
			c = cmp.Compare(a.CreatedAt, b.CreatedAt)
		}
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if order == "desc" {
			return -c
		}
		return c
	})
	return out
}

// ListTeams returns the teams on which userId holds a role, sorted by name
// or update time.
func (r *Registry) ListTeams(userId, sortBy, order, query string) []TeamMetadata {
	if sortBy == "" {
		sortBy = "name"
	}
	if order == "" {
		order = "asc"
	}
	q := search.Parse(query).Lower()

	r.mu.RLock()
	var out []TeamMetadata
	for _, t := range r.teams {
		if t.Status == string(StatusDeleted) {
			continue
		}
		if GetTeamAccess(userId, Team{OwnerID: t.OwnerID, Roles: t.Roles}) == AccessNone {
			continue
		}
		if matchesTeam(t, q) {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b TeamMetadata) int {
		var c int
		if sortBy == "updated" {
			c = cmp.Compare(a.UpdatedAt, b.UpdatedAt)
		} else {
			c = cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		}
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if order == "desc" {
			return -c
		}
		return c
	})
	return out
}

// matchesMatch applies a lowercased query to match metadata. Free text
// searches the title, venue and team names.
func matchesMatch(m MatchMetadata, q search.Query) bool {
	for _, token := range q.FreeText {
		f := search.Filter{Value: token}
		if !f.Contains(m.Title, m.Venue, m.Team1Name, m.Team2Name) {
			return false
		}
	}
	for _, f := range q.Filters {
		var ok bool
		switch f.Key {
		case "status":
			ok = f.Contains(string(m.Status))
		case "team":
			ok = f.Contains(m.Team1Name, m.Team2Name, m.Team1ID, m.Team2ID)
		case "title":
			ok = f.Contains(m.Title)
		case "venue":
			ok = f.Contains(m.Venue)
		case "owner":
			ok = f.Contains(m.OwnerID)
		case "date":
			ok = f.Compare(m.Date)
		default:
			ok = true
		}
		if !ok {
			return false
		}
	}
	return true
}

func matchesTeam(t TeamMetadata, q search.Query) bool {
	for _, token := range q.FreeText {
		f := search.Filter{Value: token}
		if !f.Contains(t.Name, t.ShortName) {
			return false
		}
	}
	for _, f := range q.Filters {
		if f.Key == "name" && !f.Contains(t.Name, t.ShortName) {
			return false
		}
	}
	return true
}
