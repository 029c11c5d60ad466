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

// Package scoring implements the live cricket scoring engine.
//
// Every operation takes a Match value and returns a new one. The delivery
// ledger of each innings is the source of truth: score, wickets and overs are
// always the fold of the ledger and are recomputed from it on undo.
package scoring

import "slices"

// Status is the lifecycle state of a match.
type Status string

const (
	StatusLive      Status = "live"
	StatusCompleted Status = "completed"
)

// TossDecision is what the toss winner elected to do.
type TossDecision string

const (
	TossBat  TossDecision = "bat"
	TossBowl TossDecision = "bowl"
)

// ExtraKind tags a delivery with at most one kind of extra.
// The empty value means no extra.
type ExtraKind string

const (
	ExtraNone    ExtraKind = ""
	ExtraWide    ExtraKind = "wide"
	ExtraNoBall  ExtraKind = "noball"
	ExtraByes    ExtraKind = "byes"
	ExtraLegByes ExtraKind = "legbyes"
)

// Valid reports whether e is a known extra kind.
func (e ExtraKind) Valid() bool {
	switch e {
	case ExtraNone, ExtraWide, ExtraNoBall, ExtraByes, ExtraLegByes:
		return true
	}
	return false
}

// Legal reports whether a delivery with this extra counts toward the over.
func (e ExtraKind) Legal() bool {
	return e != ExtraWide && e != ExtraNoBall
}

// DismissalType is how a batsman left the field.
type DismissalType string

const (
	DismissalBowled    DismissalType = "Bowled"
	DismissalCaught    DismissalType = "Catch out"
	DismissalRunOut    DismissalType = "Run out"
	DismissalStumping  DismissalType = "Stumping"
	DismissalHitWicket DismissalType = "Hit wicket"
	DismissalRetired   DismissalType = "Retired"
)

// Valid reports whether d is a known dismissal type.
func (d DismissalType) Valid() bool {
	switch d {
	case DismissalBowled, DismissalCaught, DismissalRunOut, DismissalStumping, DismissalHitWicket, DismissalRetired:
		return true
	}
	return false
}

// NeedsFielder reports whether the dismissal must name a fielder.
func (d DismissalType) NeedsFielder() bool {
	return d == DismissalCaught || d == DismissalRunOut || d == DismissalStumping
}

// CreditsBowler reports whether the wicket counts in the bowler's figures.
func (d DismissalType) CreditsBowler() bool {
	return d != DismissalRunOut && d != DismissalRetired
}

// Dismissal describes a wicket.
type Dismissal struct {
	Type         DismissalType `json:"type"`
	BatsmanOutID string        `json:"batsmanOutId"`
	FielderID    string        `json:"fielderId,omitempty"`
}

// Delivery is one ledger entry. It is never modified once appended.
type Delivery struct {
	Runs         int        `json:"runs"`
	IsWicket     bool       `json:"isWicket"`
	Extra        ExtraKind  `json:"extra,omitempty"`
	Dismissal    *Dismissal `json:"dismissal,omitempty"`
	Outcome      string     `json:"outcome"`
	StrikerID    string     `json:"strikerId"`
	NonStrikerID string     `json:"nonStrikerId"`
	BowlerID     string     `json:"bowlerId"`
	Timestamp    int64      `json:"timestamp"`
}

// IsRetirement reports whether d is the pseudo-delivery written by RetireStriker.
func (d Delivery) IsRetirement() bool {
	return d.Dismissal != nil && d.Dismissal.Type == DismissalRetired
}

// CountsAsBall reports whether d advances the over.
func (d Delivery) CountsAsBall() bool {
	return d.Extra.Legal() && !d.IsRetirement()
}

// Innings is the running state of one side's batting.
// An empty player id means the umpire has not selected that player yet.
type Innings struct {
	BattingTeamID        string     `json:"battingTeamId"`
	BowlingTeamID        string     `json:"bowlingTeamId"`
	Score                int        `json:"score"`
	Wickets              int        `json:"wickets"`
	Overs                float64    `json:"overs"`
	StrikerID            string     `json:"strikerId"`
	NonStrikerID         string     `json:"nonStrikerId"`
	BowlerID             string     `json:"bowlerId"`
	RetiredHurtPlayerIDs []string   `json:"retiredHurtPlayerIds"`
	DeliveryHistory      []Delivery `json:"deliveryHistory"`
	// AllOut is set when the innings closed on the wicket limit.
	AllOut bool `json:"allOut,omitempty"`
}

func newInnings(battingTeamID, bowlingTeamID string) Innings {
	return Innings{
		BattingTeamID:        battingTeamID,
		BowlingTeamID:        bowlingTeamID,
		RetiredHurtPlayerIDs: []string{},
		DeliveryHistory:      []Delivery{},
	}
}

// LegalBalls returns the number of legal balls bowled so far.
func (inn Innings) LegalBalls() int {
	return DecodeOvers(inn.Overs)
}

func (inn Innings) clone() Innings {
	c := inn
	c.RetiredHurtPlayerIDs = slices.Clone(inn.RetiredHurtPlayerIDs)
	if c.RetiredHurtPlayerIDs == nil {
		c.RetiredHurtPlayerIDs = []string{}
	}
	c.DeliveryHistory = make([]Delivery, len(inn.DeliveryHistory))
	for i, d := range inn.DeliveryHistory {
		if d.Dismissal != nil {
			dis := *d.Dismissal
			d.Dismissal = &dis
		}
		c.DeliveryHistory[i] = d
	}
	return c
}

// Match is the whole match document handled by the engine.
type Match struct {
	ID             string       `json:"id"`
	Team1ID        string       `json:"team1Id"`
	Team2ID        string       `json:"team2Id"`
	Overs          int          `json:"overs"`
	TossWinnerID   string       `json:"tossWinnerId"`
	TossDecision   TossDecision `json:"tossDecision"`
	Team1PlayerIDs []string     `json:"team1PlayerIds"`
	Team2PlayerIDs []string     `json:"team2PlayerIds"`
	Status         Status       `json:"status"`
	CurrentInning  int          `json:"currentInning"`
	Innings        []Innings    `json:"innings"`
	Result         string       `json:"result,omitempty"`
}

// Clone returns a deep copy of m. Readers that need to hold on to a match
// while it keeps changing should work from a clone.
func (m Match) Clone() Match {
	c := m
	c.Team1PlayerIDs = slices.Clone(m.Team1PlayerIDs)
	c.Team2PlayerIDs = slices.Clone(m.Team2PlayerIDs)
	c.Innings = make([]Innings, len(m.Innings))
	for i, inn := range m.Innings {
		c.Innings[i] = inn.clone()
	}
	return c
}

// Current returns a pointer to the innings in progress, or nil if the match
// has no innings.
func (m *Match) Current() *Innings {
	idx := m.CurrentInning - 1
	if idx < 0 || idx >= len(m.Innings) {
		return nil
	}
	return &m.Innings[idx]
}

// Squad returns the match squad of the given team.
func (m Match) Squad(teamID string) []string {
	switch teamID {
	case m.Team1ID:
		return m.Team1PlayerIDs
	case m.Team2ID:
		return m.Team2PlayerIDs
	}
	return nil
}

// OtherTeam returns the opponent of teamID.
func (m Match) OtherTeam(teamID string) string {
	if teamID == m.Team1ID {
		return m.Team2ID
	}
	return m.Team1ID
}
