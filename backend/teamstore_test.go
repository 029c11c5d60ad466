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
	"os"
	"testing"
)

func TestTeamStore(t *testing.T) {
	env := newTestEnv(t)
	store := env.ts
	teamId := "aaaaaaaa-1111-2222-3333-444444444444"
	team := Team{
		ID:      teamId,
		Name:    "Test Team",
		OwnerID: "owner@example.com",
		Roster:  []Player{{ID: "p1", Name: "Ada"}, {ID: "p2", Name: "Bea", IsWicketKeeper: true}},
		Roles: TeamRoles{
			Admins: []string{"admin@example.com"},
		},
	}

	t.Run("SaveAndLoadTeam", func(t *testing.T) {
		if err := store.SaveTeam(&team); err != nil {
			t.Fatalf("SaveTeam failed: %v", err)
		}
		loaded, err := store.LoadTeam(teamId)
		if err != nil {
			t.Fatalf("LoadTeam failed: %v", err)
		}
		if loaded.Name != "Test Team" || loaded.SchemaVersion != CurrentSchemaVersion {
			t.Errorf("loaded %+v", loaded)
		}
		if loaded.Roles.Spectators == nil {
			t.Error("roles not normalized")
		}
		if p, ok := loaded.Player("p2"); !ok || !p.IsWicketKeeper {
			t.Errorf("Player(p2) = %+v, %v", p, ok)
		}
		if ids := loaded.RosterIDs(); len(ids) != 2 || ids[0] != "p1" {
			t.Errorf("RosterIDs = %v", ids)
		}
	})

	t.Run("ListAllTeams", func(t *testing.T) {
		count := 0
		for m, err := range store.ListAllTeamMetadata() {
			if err != nil {
				t.Fatalf("ListAllTeamMetadata failed: %v", err)
			}
			if m.Players != 2 {
				t.Errorf("metadata players = %d", m.Players)
			}
			count++
		}
		if count != 1 {
			t.Errorf("Expected 1 team, got %d", count)
		}
	})

	t.Run("DeleteTeam", func(t *testing.T) {
		if err := store.DeleteTeam(teamId); err != nil {
			t.Fatalf("DeleteTeam failed: %v", err)
		}
		loaded, err := store.LoadTeam(teamId)
		if err != nil {
			t.Fatalf("Expected success (tombstone), got error: %v", err)
		}
		if !loaded.Deleted() || loaded.OwnerID != "owner@example.com" || len(loaded.Roster) != 0 {
			t.Errorf("tombstone = %+v", loaded)
		}
		if _, ok := store.TeamRoles(teamId); ok {
			t.Error("TeamRoles returned roles of a deleted team")
		}
	})

	t.Run("PurgeTeam", func(t *testing.T) {
		if err := store.PurgeTeam(teamId); err != nil {
			t.Fatalf("PurgeTeam failed: %v", err)
		}
		if _, err := store.LoadTeam(teamId); !os.IsNotExist(err) {
			t.Errorf("Expected os.ErrNotExist after purge, got %v", err)
		}
		if err := store.PurgeTeam(teamId); err != nil {
			t.Errorf("second purge: %v", err)
		}
	})
}

func TestValidateTeam(t *testing.T) {
	valid := func() *Team {
		return &Team{
			ID:     "aaaaaaaa-1111-2222-3333-444444444444",
			Name:   "Amberley",
			Roster: []Player{{ID: "p1", Name: "Ada"}},
			Roles:  TeamRoles{Scorekeepers: []string{"s@example.com"}},
		}
	}
	if err := ValidateTeam(valid()); err != nil {
		t.Fatalf("valid team rejected: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*Team)
	}{
		{"bad id", func(t *Team) { t.ID = "team" }},
		{"no name", func(t *Team) { t.Name = "" }},
		{"long short name", func(t *Team) { t.ShortName = "AMBERLEYCC1" }},
		{"duplicate player", func(t *Team) { t.Roster = append(t.Roster, Player{ID: "p1"}) }},
		{"empty player id", func(t *Team) { t.Roster = append(t.Roster, Player{Name: "X"}) }},
		{"bad member", func(t *Team) { t.Roles.Admins = []string{"not an email"} }},
	}
	for _, tc := range tests {
		team := valid()
		tc.mutate(team)
		if err := ValidateTeam(team); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}
