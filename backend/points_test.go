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
	"math"
	"testing"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

func TestBuildPointsTable(t *testing.T) {
	matches := []MatchMetadata{
		{
			ID: "m1", Status: scoring.StatusCompleted, Overs: 20,
			Team1ID: "A", Team2ID: "B", Team1Name: "Amberley", Team2Name: "Bramford",
			Innings: []InningsSummary{
				{BattingTeamID: "A", Runs: 120, Wickets: 5, Balls: 120},
				{BattingTeamID: "B", Runs: 100, Wickets: 10, Balls: 100, AllOut: true},
			},
		},
		{
			ID: "m2", Status: scoring.StatusCompleted, Overs: 10,
			Team1ID: "B", Team2ID: "C", Team2Name: "Cheriton",
			Innings: []InningsSummary{
				{BattingTeamID: "B", Runs: 80, Wickets: 2, Balls: 60},
				{BattingTeamID: "C", Runs: 80, Wickets: 4, Balls: 60},
			},
		},
		{
			ID: "m3", Status: scoring.StatusLive, Overs: 10,
			Team1ID: "A", Team2ID: "C",
			Innings: []InningsSummary{{BattingTeamID: "A", Runs: 200, Balls: 30}},
		},
	}

	got := BuildPointsTable(matches)
	want := []PointsRow{
		{TeamID: "A", Name: "Amberley", Played: 1, Won: 1, Points: 2, RunsFor: 120, BallsFaced: 120, RunsAgainst: 100, BallsBowled: 120, NRR: 1},
		{TeamID: "C", Name: "Cheriton", Played: 1, Tied: 1, Points: 1, RunsFor: 80, BallsFaced: 60, RunsAgainst: 80, BallsBowled: 60, NRR: 0},
		{TeamID: "B", Name: "Bramford", Played: 2, Lost: 1, Tied: 1, Points: 1, RunsFor: 180, BallsFaced: 180, RunsAgainst: 200, BallsBowled: 180, NRR: -2.0 / 3},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		g, w := got[i], want[i]
		if math.Abs(g.NRR-w.NRR) > 1e-9 {
			t.Errorf("row %d NRR = %v, want %v", i, g.NRR, w.NRR)
		}
		g.NRR, w.NRR = 0, 0
		if g != w {
			t.Errorf("row %d = %+v, want %+v", i, g, w)
		}
	}
}

func TestPointsTableFromRegistry(t *testing.T) {
	env := newTestEnv(t)
	owner := "owner@example.com"

	won := newCompletedMatch(t, "m1", owner, 4, 1)
	won.Date = "2025-04-01"
	chased := newCompletedMatch(t, "m2", owner, 1, 2)
	chased.Date = "2025-05-01"
	hidden := newCompletedMatch(t, "m3", "someone@example.com", 6, 0)
	for _, doc := range []*MatchDocument{won, chased, hidden} {
		env.r.UpdateMatch(doc.Metadata())
	}

	rows := env.r.PointsTable(owner, "")
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	for _, r := range rows {
		if r.Played != 2 || r.Won != 1 || r.Lost != 1 || r.Points != 2 {
			t.Errorf("row = %+v", r)
		}
	}

	rows = env.r.PointsTable(owner, "date:2025-04")
	if len(rows) != 2 || rows[0].TeamID != "A" || rows[0].Points != 2 || rows[1].Points != 0 {
		t.Errorf("April table = %+v", rows)
	}
}
