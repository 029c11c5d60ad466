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

import (
	"fmt"
	"slices"
	"time"
)

// PlayerDirectory answers squad sizes for the all-out rule. A size of 0
// means unknown.
type PlayerDirectory interface {
	SquadSize(teamID string) int
}

// TeamDirectory answers display names for result strings.
type TeamDirectory interface {
	TeamName(teamID string) string
}

// MatchSquads is a PlayerDirectory backed by the squads stored on a match.
type MatchSquads struct {
	Match *Match
}

// SquadSize implements PlayerDirectory.
func (s MatchSquads) SquadSize(teamID string) int {
	if s.Match == nil {
		return 0
	}
	return len(s.Match.Squad(teamID))
}

// Role is a player slot that the umpire fills.
type Role string

const (
	RoleStriker    Role = "striker"
	RoleNonStriker Role = "nonStriker"
	RoleBowler     Role = "bowler"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleStriker || r == RoleNonStriker || r == RoleBowler
}

// Engine runs umpire operations against match values. The zero value is
// usable: squad sizes then come from the match squads, team names are the
// team ids, and timestamps come from the wall clock.
type Engine struct {
	Players PlayerDirectory
	Teams   TeamDirectory
	// Clock returns the current time in milliseconds.
	Clock func() int64
}

// NewEngine returns an Engine using the given directories.
func NewEngine(players PlayerDirectory, teams TeamDirectory) *Engine {
	return &Engine{Players: players, Teams: teams}
}

func (e *Engine) squadSize(m *Match, teamID string) int {
	if e != nil && e.Players != nil {
		if n := e.Players.SquadSize(teamID); n > 0 {
			return n
		}
	}
	return MatchSquads{Match: m}.SquadSize(teamID)
}

func (e *Engine) teamName(teamID string) string {
	if e != nil && e.Teams != nil {
		if n := e.Teams.TeamName(teamID); n != "" {
			return n
		}
	}
	return teamID
}

// nextTimestamp returns a timestamp later than every ledger entry of m.
func (e *Engine) nextTimestamp(m *Match) int64 {
	var now int64
	if e != nil && e.Clock != nil {
		now = e.Clock()
	} else {
		now = time.Now().UnixMilli()
	}
	if last := lastTimestamp(m); now <= last {
		now = last + 1
	}
	return now
}

// MatchParams are the inputs of NewMatch.
type MatchParams struct {
	ID             string       `json:"id"`
	Team1ID        string       `json:"team1Id"`
	Team2ID        string       `json:"team2Id"`
	Overs          int          `json:"overs"`
	TossWinnerID   string       `json:"tossWinnerId"`
	TossDecision   TossDecision `json:"tossDecision"`
	Team1PlayerIDs []string     `json:"team1PlayerIds"`
	Team2PlayerIDs []string     `json:"team2PlayerIds"`
}

// NewMatch creates a live match with the first innings open and no players
// selected.
func NewMatch(p MatchParams) (Match, error) {
	if p.ID == "" {
		return Match{}, fmt.Errorf("%w: missing id", ErrInvalidMatch)
	}
	if p.Overs <= 0 {
		return Match{}, fmt.Errorf("%w: overs must be positive", ErrInvalidMatch)
	}
	if p.Team1ID == "" || p.Team2ID == "" || p.Team1ID == p.Team2ID {
		return Match{}, fmt.Errorf("%w: two distinct teams are required", ErrInvalidMatch)
	}
	if p.TossWinnerID != p.Team1ID && p.TossWinnerID != p.Team2ID {
		return Match{}, fmt.Errorf("%w: toss winner %q is not playing", ErrInvalidMatch, p.TossWinnerID)
	}
	seen := make(map[string]bool)
	for _, id := range slices.Concat(p.Team1PlayerIDs, p.Team2PlayerIDs) {
		if id == "" || seen[id] {
			return Match{}, fmt.Errorf("%w: duplicate or empty player id %q", ErrInvalidMatch, id)
		}
		seen[id] = true
	}

	var batting string
	switch p.TossDecision {
	case TossBat:
		batting = p.TossWinnerID
	case TossBowl:
		batting = otherTeam(p.Team1ID, p.Team2ID, p.TossWinnerID)
	default:
		return Match{}, fmt.Errorf("%w: toss decision %q", ErrInvalidMatch, p.TossDecision)
	}

	m := Match{
		ID:             p.ID,
		Team1ID:        p.Team1ID,
		Team2ID:        p.Team2ID,
		Overs:          p.Overs,
		TossWinnerID:   p.TossWinnerID,
		TossDecision:   p.TossDecision,
		Team1PlayerIDs: slices.Clone(p.Team1PlayerIDs),
		Team2PlayerIDs: slices.Clone(p.Team2PlayerIDs),
		Status:         StatusLive,
		CurrentInning:  1,
		Innings:        []Innings{newInnings(batting, otherTeam(p.Team1ID, p.Team2ID, batting))},
	}
	if m.Team1PlayerIDs == nil {
		m.Team1PlayerIDs = []string{}
	}
	if m.Team2PlayerIDs == nil {
		m.Team2PlayerIDs = []string{}
	}
	return m, nil
}

func otherTeam(a, b, id string) string {
	if id == a {
		return b
	}
	return a
}

// live returns a clone of m and its current innings, or an error if no
// operation may run on m.
func live(m Match) (Match, *Innings, error) {
	if m.Status == StatusCompleted {
		return m, nil, ErrMatchCompleted
	}
	out := m.Clone()
	cur := out.Current()
	if cur == nil {
		return m, nil, fmt.Errorf("%w: no innings in progress", ErrInvalidMatch)
	}
	return out, cur, nil
}

// RecordDelivery resolves one ball and runs the transition check.
func (e *Engine) RecordDelivery(m Match, in DeliveryInput) (Match, error) {
	out, cur, err := live(m)
	if err != nil {
		return m, err
	}
	next, err := Resolve(*cur, in, e.nextTimestamp(&out))
	if err != nil {
		return m, err
	}
	*cur = next
	e.checkTransition(&out)
	return out, nil
}

// RetireStriker retires the striker not out and runs the transition check.
func (e *Engine) RetireStriker(m Match) (Match, error) {
	out, cur, err := live(m)
	if err != nil {
		return m, err
	}
	next, err := Retire(*cur, e.nextTimestamp(&out))
	if err != nil {
		return m, err
	}
	*cur = next
	e.checkTransition(&out)
	return out, nil
}

// UndoLastDelivery removes the last entry of the current innings.
func (e *Engine) UndoLastDelivery(m Match) (Match, error) {
	out, cur, err := live(m)
	if err != nil {
		return m, err
	}
	next, err := Undo(*cur)
	if err != nil {
		return m, err
	}
	*cur = next
	return out, nil
}

// ForceEndInning ends the current innings regardless of its state.
func (e *Engine) ForceEndInning(m Match) (Match, error) {
	out, _, err := live(m)
	if err != nil {
		return m, err
	}
	e.endInning(&out)
	return out, nil
}

// CheckTransition returns m with the current innings ended if one of the end
// conditions holds. It is applied automatically after every delivery.
func (e *Engine) CheckTransition(m Match) Match {
	out := m.Clone()
	e.checkTransition(&out)
	return out
}

// SwapStrikers exchanges the striker and non-striker. Either may be empty.
func (e *Engine) SwapStrikers(m Match) (Match, error) {
	out, cur, err := live(m)
	if err != nil {
		return m, err
	}
	cur.swapBatsmen()
	return out, nil
}

// SetPlayerInMatch fills one of the three player slots of the current
// innings.
func (e *Engine) SetPlayerInMatch(m Match, role Role, playerID string) (Match, error) {
	if !role.Valid() {
		return m, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	out, cur, err := live(m)
	if err != nil {
		return m, err
	}

	if role == RoleBowler {
		if !inSquad(out.Squad(cur.BowlingTeamID), playerID) {
			return m, fmt.Errorf("%w: %s", ErrPlayerNotInSquad, playerID)
		}
		cur.BowlerID = playerID
		return out, nil
	}

	slot, other := &cur.StrikerID, cur.NonStrikerID
	if role == RoleNonStriker {
		slot, other = &cur.NonStrikerID, cur.StrikerID
	}
	if *slot == playerID && playerID != "" {
		return out, nil
	}
	squad := out.Squad(cur.BattingTeamID)
	if !inSquad(squad, playerID) {
		return m, fmt.Errorf("%w: %s", ErrPlayerNotInSquad, playerID)
	}
	dismissed := Dismissed(cur.DeliveryHistory)
	if dismissed[playerID] {
		return m, fmt.Errorf("%w: %s", ErrPlayerDismissed, playerID)
	}
	if other == playerID {
		return m, fmt.Errorf("%w: %s", ErrPlayerOnField, playerID)
	}
	if slices.Contains(cur.RetiredHurtPlayerIDs, playerID) {
		for _, id := range squad {
			if id != playerID && id != other && id != *slot && !dismissed[id] && !slices.Contains(cur.RetiredHurtPlayerIDs, id) {
				return m, fmt.Errorf("%w: %s is still available", ErrRetiredPlayerUnavailable, id)
			}
		}
		cur.RetiredHurtPlayerIDs = slices.DeleteFunc(cur.RetiredHurtPlayerIDs, func(id string) bool { return id == playerID })
	}
	*slot = playerID
	return out, nil
}

// inSquad reports whether id may play for a squad. An empty squad is
// unknown and accepts anyone.
func inSquad(squad []string, id string) bool {
	if id == "" {
		return false
	}
	return len(squad) == 0 || slices.Contains(squad, id)
}
