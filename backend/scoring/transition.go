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

package scoring

import "fmt"

// DefaultAllOutThreshold is used when the squad size of a team is unknown.
const DefaultAllOutThreshold = 10

// ResultTie is the result string of a tied match.
const ResultTie = "Match is a Tie."

// AllOutThreshold returns the number of wickets that ends an innings for a
// side of squadSize players. The last batsman cannot bat alone.
func AllOutThreshold(squadSize int) int {
	if squadSize <= 0 {
		return DefaultAllOutThreshold
	}
	return max(squadSize-1, 0)
}

func (e *Engine) threshold(m *Match, teamID string) int {
	return AllOutThreshold(e.squadSize(m, teamID))
}

// inningsOver reports whether the current innings must end.
func (e *Engine) inningsOver(m *Match) bool {
	cur := m.Current()
	if cur == nil {
		return false
	}
	if cur.Wickets >= e.threshold(m, cur.BattingTeamID) {
		return true
	}
	if m.Overs > 0 && cur.LegalBalls() >= m.Overs*BallsPerOver {
		return true
	}
	if m.CurrentInning == 2 && len(m.Innings) >= 2 && cur.Score > m.Innings[0].Score {
		return true
	}
	return false
}

// checkTransition ends the current innings of m in place when one of the
// end conditions holds.
func (e *Engine) checkTransition(m *Match) {
	if m.Status != StatusLive {
		return
	}
	if e.inningsOver(m) {
		e.endInning(m)
	}
}

// endInning closes the current innings of m in place. The first innings
// opens the second with the teams swapped; the second completes the match.
func (e *Engine) endInning(m *Match) {
	if cur := m.Current(); cur != nil && cur.Wickets >= e.threshold(m, cur.BattingTeamID) {
		cur.AllOut = true
	}
	if m.CurrentInning <= 1 {
		first := m.Innings[0]
		m.Innings = append(m.Innings[:1], newInnings(first.BowlingTeamID, first.BattingTeamID))
		m.CurrentInning = 2
		return
	}
	m.Status = StatusCompleted
	m.Result = e.result(m)
}

func (e *Engine) result(m *Match) string {
	if len(m.Innings) < 2 {
		return ""
	}
	first, second := m.Innings[0], m.Innings[1]
	switch {
	case second.Score > first.Score:
		wicketsLeft := e.threshold(m, second.BattingTeamID) - second.Wickets
		return fmt.Sprintf("%s won by %d wickets.", e.teamName(second.BattingTeamID), wicketsLeft)
	case first.Score > second.Score:
		return fmt.Sprintf("%s won by %d runs.", e.teamName(first.BattingTeamID), first.Score-second.Score)
	}
	return ResultTie
}
