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
	"testing"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/google/uuid"
	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

type testEnv struct {
	dir string
	s   *storage.Storage
	ms  *MatchStore
	ts  *TeamStore
	r   *Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	s := storage.New(dir, nil)
	env := &testEnv{dir: dir, s: s}
	env.ms = NewMatchStore(dir, s)
	env.ts = NewTeamStore(dir, s)
	env.r = NewRegistry(env.ms, env.ts)
	t.Cleanup(env.r.StopGC)
	return env
}

var testClock = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC).UnixMilli()

func newAction(t *testing.T, typ string, payload any) json.RawMessage {
	t.Helper()
	testClock++
	a := BaseAction{ID: uuid.NewString(), Type: typ, Timestamp: testClock}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		a.Payload = b
	}
	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func actionID(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var a BaseAction
	if err := json.Unmarshal(raw, &a); err != nil {
		t.Fatal(err)
	}
	return a.ID
}

func squad(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return ids
}

// startPayload is a two-over match between teams A and B where A bats first.
func startPayload(matchID, owner string) MatchStartPayload {
	return MatchStartPayload{
		MatchParams: scoring.MatchParams{
			ID:             matchID,
			Team1ID:        "A",
			Team2ID:        "B",
			Overs:          2,
			TossWinnerID:   "A",
			TossDecision:   scoring.TossBat,
			Team1PlayerIDs: squad("a", 11),
			Team2PlayerIDs: squad("b", 11),
		},
		OwnerID:   owner,
		Title:     "Final",
		Venue:     "Lord's",
		Date:      "2025-06-01",
		Team1Name: "Amberley",
		Team2Name: "Bramford",
		Permissions: Permissions{
			Public: PermissionNone,
			Users:  map[string]string{},
		},
	}
}

func setPlayers(t *testing.T, striker, nonStriker, bowler string) []json.RawMessage {
	t.Helper()
	return []json.RawMessage{
		newAction(t, ActionSetPlayer, SetPlayerPayload{Role: scoring.RoleStriker, PlayerID: striker}),
		newAction(t, ActionSetPlayer, SetPlayerPayload{Role: scoring.RoleNonStriker, PlayerID: nonStriker}),
		newAction(t, ActionSetPlayer, SetPlayerPayload{Role: scoring.RoleBowler, PlayerID: bowler}),
	}
}

func delivery(t *testing.T, runs int) json.RawMessage {
	t.Helper()
	return newAction(t, ActionDelivery, scoring.DeliveryInput{Runs: runs})
}

// newStartedMatch returns a match where a1 and a2 are batting against b11.
func newStartedMatch(t *testing.T, matchID, owner string) *MatchDocument {
	t.Helper()
	doc := &MatchDocument{}
	doc.ID = matchID
	doc.normalize()
	actions := append([]json.RawMessage{newAction(t, ActionMatchStart, startPayload(matchID, owner))}, setPlayers(t, "a1", "a2", "b11")...)
	if _, err := ApplyActions(doc, actions, nil); err != nil {
		t.Fatalf("ApplyActions: %v", err)
	}
	return doc
}

// newCompletedMatch plays one delivery per innings for the given runs and
// ends both innings.
func newCompletedMatch(t *testing.T, matchID, owner string, runs1, runs2 int) *MatchDocument {
	t.Helper()
	doc := newStartedMatch(t, matchID, owner)
	actions := []json.RawMessage{delivery(t, runs1), newAction(t, ActionEndInning, nil)}
	actions = append(actions, setPlayers(t, "b1", "b2", "a11")...)
	actions = append(actions, delivery(t, runs2))
	if runs2 <= runs1 {
		actions = append(actions, newAction(t, ActionEndInning, nil))
	}
	if _, err := ApplyActions(doc, actions, nil); err != nil {
		t.Fatalf("ApplyActions: %v", err)
	}
	if doc.Status != scoring.StatusCompleted {
		t.Fatalf("match status = %s, want completed", doc.Status)
	}
	return doc
}
