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
	"slices"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
	"github.com/ttbt-io/wicketkeeper/backend/search"
)

// PointsRow is one team's line in the points table.
type PointsRow struct {
	TeamID      string  `json:"teamId"`
	Name        string  `json:"name"`
	Played      int     `json:"played"`
	Won         int     `json:"won"`
	Lost        int     `json:"lost"`
	Tied        int     `json:"tied"`
	Points      int     `json:"points"`
	RunsFor     int     `json:"runsFor"`
	BallsFaced  int     `json:"ballsFaced"`
	RunsAgainst int     `json:"runsAgainst"`
	BallsBowled int     `json:"ballsBowled"`
	NRR         float64 `json:"nrr"`
}

const (
	pointsWin = 2
	pointsTie = 1
)

// chargedBalls is the number of balls an innings counts for in the net run
// rate. An innings that was bowled out counts for the full quota.
func chargedBalls(s InningsSummary, overs int) int {
	if s.AllOut {
		return overs * 6
	}
	return s.Balls
}

// BuildPointsTable folds the completed matches into a points table sorted
// by points, then net run rate, then name.
func BuildPointsTable(matches []MatchMetadata) []PointsRow {
	rows := make(map[string]*PointsRow)
	row := func(id, name string) *PointsRow {
		r, ok := rows[id]
		if !ok {
			r = &PointsRow{TeamID: id, Name: id}
			rows[id] = r
		}
		if name != "" {
			r.Name = name
		}
		return r
	}

	for _, m := range matches {
		if m.Status != scoring.StatusCompleted || len(m.Innings) != 2 {
			continue
		}
		first, second := m.Innings[0], m.Innings[1]
		names := map[string]string{m.Team1ID: m.Team1Name, m.Team2ID: m.Team2Name}
		a := row(first.BattingTeamID, names[first.BattingTeamID])
		b := row(second.BattingTeamID, names[second.BattingTeamID])
		fb, sb := chargedBalls(first, m.Overs), chargedBalls(second, m.Overs)

		a.Played++
		b.Played++
		a.RunsFor += first.Runs
		a.BallsFaced += fb
		a.RunsAgainst += second.Runs
		a.BallsBowled += sb
		b.RunsFor += second.Runs
		b.BallsFaced += sb
		b.RunsAgainst += first.Runs
		b.BallsBowled += fb

		switch {
		case first.Runs > second.Runs:
			a.Won++
			a.Points += pointsWin
			b.Lost++
		case second.Runs > first.Runs:
			b.Won++
			b.Points += pointsWin
			a.Lost++
		default:
			a.Tied++
			b.Tied++
			a.Points += pointsTie
			b.Points += pointsTie
		}
	}

	out := make([]PointsRow, 0, len(rows))
	for _, r := range rows {
		r.NRR = netRunRate(r.RunsFor, r.BallsFaced) - netRunRate(r.RunsAgainst, r.BallsBowled)
		out = append(out, *r)
	}
	slices.SortFunc(out, func(x, y PointsRow) int {
		if c := cmp.Compare(y.Points, x.Points); c != 0 {
			return c
		}
		if c := cmp.Compare(y.NRR, x.NRR); c != 0 {
			return c
		}
		return cmp.Compare(x.Name, y.Name)
	})
	return out
}

func netRunRate(runs, balls int) float64 {
	if balls == 0 {
		return 0
	}
	return float64(runs) * 6 / float64(balls)
}

// PointsTable builds the points table over the matches visible to userId
// that match query, e.g. "date:2025-01..2025-03 team:Amberley".
func (r *Registry) PointsTable(userId, query string) []PointsRow {
	q := search.Parse(query).Lower("date")
	r.mu.RLock()
	var matches []MatchMetadata
	for _, m := range r.matches {
		if m.Status == scoring.StatusCompleted && matchesMatch(m, q) {
			matches = append(matches, m)
		}
	}
	r.mu.RUnlock()

	visible := matches[:0]
	for _, m := range matches {
		if GetMatchAccess(userId, m, r) >= AccessRead {
			visible = append(visible, m)
		}
	}
	return BuildPointsTable(visible)
}
