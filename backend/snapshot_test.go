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
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/google/uuid"
)

func TestSnapshotRoundTrip(t *testing.T) {
	src := newTestEnv(t)
	f := newTestFSM(t, src)

	matchID := uuid.NewString()
	teamID := uuid.NewString()
	applyLog(t, f, 1, actionCmd(matchID, newAction(t, ActionMatchStart, startPayload(matchID, testOwner))))
	applyLog(t, f, 2, actionCmd(matchID, append(setPlayers(t, "a1", "a2", "b11"), delivery(t, 4))...))
	team, _ := json.Marshal(Team{ID: teamID, Name: "Amberley", OwnerID: testOwner, Roster: []Player{{ID: "p1", Name: "Ann"}}})
	raw := json.RawMessage(team)
	applyLog(t, f, 3, RaftCommand{Type: CmdSaveTeam, ID: teamID, TeamData: &raw})
	applyLog(t, f, 4, RaftCommand{Type: CmdNodeMeta, NodeMeta: &NodeMeta{NodeID: "node1", HttpAddr: "10.0.0.1:8443"}})
	applyLog(t, f, 5, RaftCommand{Type: CmdUpdateAccessPolicy, PolicyData: &UserAccessPolicy{DefaultPolicy: "allow", DefaultMaxMatches: 3}})

	var buf bytes.Buffer
	if err := f.persist(&buf); err != nil {
		t.Fatalf("persist: %v", err)
	}

	dst := newTestEnv(t)
	stale := newStartedMatch(t, uuid.NewString(), testOther)
	if err := dst.ms.SaveMatch(stale); err != nil {
		t.Fatal(err)
	}
	g := newTestFSM(t, dst)
	if err := g.Restore(io.NopCloser(&buf)); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	doc, err := dst.ms.LoadMatch(matchID)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.ActionLog) != 5 || doc.Current().Score != 4 || doc.LastRaftIndex != 2 {
		t.Errorf("restored match: %d actions, score %d, index %d", len(doc.ActionLog), doc.Current().Score, doc.LastRaftIndex)
	}
	if got, err := dst.ts.LoadTeam(teamID); err != nil || len(got.Roster) != 1 {
		t.Errorf("restored team = %+v, %v", got, err)
	}
	if _, err := dst.ms.LoadMatch(stale.ID); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale match survived restore: %v", err)
	}
	if got := g.GetNodeAddr("node1"); got != "10.0.0.1:8443" {
		t.Errorf("GetNodeAddr = %q", got)
	}
	if p := dst.r.GetAccessPolicy(); p == nil || p.DefaultMaxMatches != 3 {
		t.Errorf("restored policy = %+v", p)
	}
	if list := dst.r.ListMatches(testOwner, "", "", ""); len(list) != 1 || list[0].ID != matchID {
		t.Errorf("registry after restore = %+v", list)
	}
}

func TestSnapshotSkipsFreshLocalState(t *testing.T) {
	env := newTestEnv(t)
	f := newTestFSM(t, env)
	matchID := uuid.NewString()
	applyLog(t, f, 7, actionCmd(matchID, newAction(t, ActionMatchStart, startPayload(matchID, testOwner))))
	f.setInitialized()
	if _, err := f.Snapshot(); err != nil {
		t.Fatal(err)
	}

	// An older snapshot from another node does not replace newer local data.
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	manifest, _ := json.Marshal(snapshotManifest{Initialized: true, RaftIndex: 5})
	if err := writeFileToTar(tw, snapshotManifestFile, manifest); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	gw.Close()

	if err := f.restore(&buf); err != nil {
		t.Fatal(err)
	}
	if _, err := env.ms.LoadMatch(matchID); err != nil {
		t.Errorf("local match dropped: %v", err)
	}
}

func TestSnapshotRejectsOversizedEntry(t *testing.T) {
	env := newTestEnv(t)
	f := newTestFSM(t, env)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	tw.WriteHeader(&tar.Header{Name: "matches/big.json", Size: maxSnapshotEntry + 1, Mode: 0644})
	tw.Write(make([]byte, maxSnapshotEntry+1))
	tw.Close()
	gw.Close()

	if err := f.restore(&buf); err == nil {
		t.Error("oversized entry accepted")
	}
}
