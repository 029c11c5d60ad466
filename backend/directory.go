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
	"log"
	"os"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

// Directory resolves squad sizes and names for one match. Values stored on
// the match win over the team store, which wins over the raw ids.
type Directory struct {
	doc   *MatchDocument
	teams *TeamStore
	cache map[string]*Team
}

var (
	_ scoring.PlayerDirectory = (*Directory)(nil)
	_ scoring.TeamDirectory   = (*Directory)(nil)
	_ scoring.Names           = (*Directory)(nil)
)

// NewDirectory returns a directory for doc. teams may be nil.
func NewDirectory(doc *MatchDocument, teams *TeamStore) *Directory {
	return &Directory{doc: doc, teams: teams, cache: make(map[string]*Team)}
}

func (d *Directory) team(id string) *Team {
	if d.teams == nil || id == "" {
		return nil
	}
	if t, ok := d.cache[id]; ok {
		return t
	}
	t, err := d.teams.LoadTeam(id)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Directory: failed to load team %s: %v", id, err)
		}
		t = nil
	} else if t.Deleted() {
		t = nil
	}
	d.cache[id] = t
	return t
}

// SquadSize implements scoring.PlayerDirectory.
func (d *Directory) SquadSize(teamID string) int {
	if n := len(d.doc.Squad(teamID)); n > 0 {
		return n
	}
	if t := d.team(teamID); t != nil {
		return len(t.Roster)
	}
	return 0
}

// TeamName implements scoring.TeamDirectory and scoring.Names.
func (d *Directory) TeamName(teamID string) string {
	switch {
	case teamID == d.doc.Team1ID && d.doc.Team1Name != "":
		return d.doc.Team1Name
	case teamID == d.doc.Team2ID && d.doc.Team2Name != "":
		return d.doc.Team2Name
	}
	if t := d.team(teamID); t != nil && t.Name != "" {
		return t.Name
	}
	return teamID
}

// PlayerName implements scoring.Names.
func (d *Directory) PlayerName(playerID string) string {
	if n := d.doc.PlayerNames[playerID]; n != "" {
		return n
	}
	for _, teamID := range []string{d.doc.Team1ID, d.doc.Team2ID} {
		if t := d.team(teamID); t != nil {
			if p, ok := t.Player(playerID); ok && p.Name != "" {
				return p.Name
			}
		}
	}
	return playerID
}

// ResolveSquad returns the players available to teamID in this match: the
// match squad when one was given, the team roster otherwise.
func (d *Directory) ResolveSquad(teamID string) []Player {
	t := d.team(teamID)
	ids := d.doc.Squad(teamID)
	if len(ids) == 0 {
		if t == nil {
			return []Player{}
		}
		return append([]Player(nil), t.Roster...)
	}
	out := make([]Player, 0, len(ids))
	for _, id := range ids {
		p := Player{ID: id}
		if t != nil {
			if rp, ok := t.Player(id); ok {
				p = rp
			}
		}
		if n := d.doc.PlayerNames[id]; n != "" {
			p.Name = n
		}
		if p.Name == "" {
			p.Name = id
		}
		out = append(out, p)
	}
	return out
}

// Engine returns a scoring engine wired to this directory.
func (d *Directory) Engine() *scoring.Engine {
	return scoring.NewEngine(d, d)
}
