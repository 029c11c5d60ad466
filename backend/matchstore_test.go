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
	"os"
	"path/filepath"
	"testing"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

func TestMatchStore(t *testing.T) {
	env := newTestEnv(t)
	store := env.ms
	doc := newStartedMatch(t, "m1", "owner@example.com")

	t.Run("SaveAndLoad", func(t *testing.T) {
		if err := store.SaveMatch(doc); err != nil {
			t.Fatalf("SaveMatch failed: %v", err)
		}
		// Read back from disk, not the cache.
		fresh := NewMatchStore(env.dir, env.s)
		loaded, err := fresh.LoadMatch("m1")
		if err != nil {
			t.Fatalf("LoadMatch failed: %v", err)
		}
		if loaded.Revision() != doc.Revision() || loaded.Current().BowlerID != "b11" || loaded.Title != "Final" {
			t.Errorf("loaded %+v", loaded.Metadata())
		}
		if _, err := os.Stat(filepath.Join(env.dir, "matches", "m1.meta.json")); err != nil {
			t.Errorf("sidecar: %v", err)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if _, err := store.LoadMatch("nope"); !os.IsNotExist(err) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("CloneIsIndependent", func(t *testing.T) {
		c := doc.Clone()
		if _, err := ApplyAction(c, delivery(t, 6), nil); err != nil {
			t.Fatal(err)
		}
		c.Permissions.Users["x@y.com"] = "read"
		if doc.Current().Score != 0 || len(doc.ActionLog) == len(c.ActionLog) || len(doc.Permissions.Users) != 0 {
			t.Error("clone shares state with the original")
		}
	})
}

func TestMatchStoreFlush(t *testing.T) {
	env := newTestEnv(t)
	store := env.ms
	doc := newStartedMatch(t, "m1", "owner@example.com")

	if err := store.SaveMatchInMemory(doc, false); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "matches", "m1.json")); !os.IsNotExist(err) {
		t.Fatalf("in-memory save hit the disk: %v", err)
	}
	if loaded, err := store.LoadMatch("m1"); err != nil || loaded.Revision() != doc.Revision() {
		t.Fatalf("LoadMatch from cache = %v", err)
	}

	var listed int
	for m, err := range store.ListAllMatchMetadata() {
		if err != nil {
			t.Fatal(err)
		}
		if m.ID == "m1" {
			listed++
		}
	}
	if listed != 1 {
		t.Errorf("dirty match listed %d times", listed)
	}

	if err := store.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "matches", "m1.json")); err != nil {
		t.Errorf("flushed match not on disk: %v", err)
	}
	if ids := store.dirtyIDs(); len(ids) != 0 {
		t.Errorf("dirty after flush: %v", ids)
	}
}

func TestMatchStoreDelete(t *testing.T) {
	env := newTestEnv(t)
	store := env.ms
	doc := newCompletedMatch(t, "m1", "owner@example.com", 3, 1)
	doc.LastRaftIndex = 42
	if err := store.SaveMatch(doc); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteMatch("m1"); err != nil {
		t.Fatalf("DeleteMatch: %v", err)
	}
	tomb, err := store.LoadMatch("m1")
	if err != nil {
		t.Fatalf("LoadMatch tombstone: %v", err)
	}
	if tomb.Status != StatusDeleted || tomb.OwnerID != "owner@example.com" || tomb.DeletedAt == 0 || tomb.LastRaftIndex != 42 {
		t.Errorf("tombstone = %+v", tomb.Metadata())
	}
	if len(tomb.ActionLog) != 0 || len(tomb.Innings) != 0 {
		t.Error("tombstone kept the ledger")
	}
	for m, err := range store.ListAllMatchMetadata() {
		if err != nil {
			t.Fatal(err)
		}
		if m.Status != StatusDeleted {
			t.Errorf("listed status = %s", m.Status)
		}
	}

	if err := store.PurgeMatch("m1"); err != nil {
		t.Fatalf("PurgeMatch: %v", err)
	}
	if _, err := store.LoadMatch("m1"); !os.IsNotExist(err) {
		t.Errorf("after purge err = %v", err)
	}
	if err := store.DeleteMatch("m1"); err != nil {
		t.Errorf("deleting a missing match: %v", err)
	}
}

func TestMatchMetadata(t *testing.T) {
	doc := newCompletedMatch(t, "m1", "owner@example.com", 4, 1)
	m := doc.Metadata()
	if m.Status != scoring.StatusCompleted || m.Result == "" || m.Team1Name != "Amberley" {
		t.Errorf("metadata = %+v", m)
	}
	if len(m.Innings) != 2 {
		t.Fatalf("innings = %+v", m.Innings)
	}
	first := m.Innings[0]
	if first.BattingTeamID != "A" || first.Runs != 4 || first.Balls != 1 || first.AllOut || first.Summary != "4/0 (0.1)" {
		t.Errorf("first innings = %+v", first)
	}
	if m.Revision != doc.Revision() {
		t.Errorf("revision = %q", m.Revision)
	}
}

func TestMatchMetadataAllOutFromRoster(t *testing.T) {
	env := newTestEnv(t)
	roster := []Player{{ID: "a1", Name: "Ada"}, {ID: "a2", Name: "Bea"}, {ID: "a3", Name: "Cat"}}
	if err := env.ts.SaveTeam(&Team{ID: "A", Name: "Amberley", Roster: roster}); err != nil {
		t.Fatal(err)
	}

	start := startPayload("m1", "owner@example.com")
	start.Team1PlayerIDs = nil
	start.Team2PlayerIDs = nil
	wicket := newAction(t, ActionDelivery, scoring.DeliveryInput{IsWicket: true, Dismissal: &scoring.Dismissal{Type: scoring.DismissalBowled}})
	actions := append([]json.RawMessage{newAction(t, ActionMatchStart, start)}, setPlayers(t, "a1", "a2", "b11")...)
	actions = append(actions,
		wicket,
		newAction(t, ActionSetPlayer, SetPlayerPayload{Role: scoring.RoleStriker, PlayerID: "a3"}),
		newAction(t, ActionDelivery, scoring.DeliveryInput{IsWicket: true, Dismissal: &scoring.Dismissal{Type: scoring.DismissalBowled}}),
	)

	doc := &MatchDocument{}
	doc.ID = "m1"
	doc.normalize()
	if _, err := ApplyActions(doc, actions, env.ts); err != nil {
		t.Fatalf("ApplyActions: %v", err)
	}
	if doc.CurrentInning != 2 {
		t.Fatalf("three-player side still batting after two wickets")
	}
	first := doc.Metadata().Innings[0]
	if !first.AllOut || first.Wickets != 2 {
		t.Errorf("first innings = %+v", first)
	}
	if got := chargedBalls(first, doc.Overs); got != doc.Overs*6 {
		t.Errorf("charged balls = %d, want the full quota", got)
	}
}
