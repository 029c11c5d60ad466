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
	"math"
)

// Names resolves display names for a scorecard.
type Names interface {
	PlayerName(playerID string) string
	TeamName(teamID string) string
}

// BattingEntry is one line of a batting card.
type BattingEntry struct {
	PlayerID    string  `json:"playerId"`
	Name        string  `json:"name"`
	Runs        int     `json:"runs"`
	Balls       int     `json:"balls"`
	Fours       int     `json:"fours"`
	Sixes       int     `json:"sixes"`
	StrikeRate  float64 `json:"strikeRate"`
	HowOut      string  `json:"howOut"`
	NotOut      bool    `json:"notOut"`
	RetiredHurt bool    `json:"retiredHurt,omitempty"`
}

// BowlingEntry is one line of the bowling figures.
type BowlingEntry struct {
	PlayerID string  `json:"playerId"`
	Name     string  `json:"name"`
	Overs    float64 `json:"overs"`
	Maidens  int     `json:"maidens"`
	Runs     int     `json:"runs"`
	Wickets  int     `json:"wickets"`
	Wides    int     `json:"wides"`
	NoBalls  int     `json:"noBalls"`
	Economy  float64 `json:"economy"`
}

// Extras breaks the extras of an innings down by kind.
type Extras struct {
	Wides   int `json:"wides"`
	NoBalls int `json:"noBalls"`
	Byes    int `json:"byes"`
	LegByes int `json:"legByes"`
	Total   int `json:"total"`
}

// FallOfWicket records the team score when a batsman was dismissed.
type FallOfWicket struct {
	Wicket   int     `json:"wicket"`
	Score    int     `json:"score"`
	Overs    float64 `json:"overs"`
	PlayerID string  `json:"playerId"`
	Name     string  `json:"name"`
}

// InningsCard is the scorecard of one innings.
type InningsCard struct {
	BattingTeamID string         `json:"battingTeamId"`
	BattingTeam   string         `json:"battingTeam"`
	Score         int            `json:"score"`
	Wickets       int            `json:"wickets"`
	Overs         float64        `json:"overs"`
	RunRate       float64        `json:"runRate"`
	Target        int            `json:"target,omitempty"`
	Batting       []BattingEntry `json:"batting"`
	Bowling       []BowlingEntry `json:"bowling"`
	Extras        Extras         `json:"extras"`
	FallOfWickets []FallOfWicket `json:"fallOfWickets"`
}

// Scorecard is the full report of a match.
type Scorecard struct {
	MatchID string        `json:"matchId"`
	Status  Status        `json:"status"`
	Result  string        `json:"result,omitempty"`
	Innings []InningsCard `json:"innings"`
}

type idNames struct{}

func (idNames) PlayerName(id string) string { return id }
func (idNames) TeamName(id string) string   { return id }

// BuildScorecard folds the ledgers of m into a scorecard. names may be nil.
func BuildScorecard(m Match, names Names) Scorecard {
	if names == nil {
		names = idNames{}
	}
	sc := Scorecard{
		MatchID: m.ID,
		Status:  m.Status,
		Result:  m.Result,
		Innings: make([]InningsCard, 0, len(m.Innings)),
	}
	for i, inn := range m.Innings {
		card := buildInningsCard(inn, names)
		if i == 1 {
			card.Target = m.Innings[0].Score + 1
		}
		sc.Innings = append(sc.Innings, card)
	}
	return sc
}

func buildInningsCard(inn Innings, names Names) InningsCard {
	card := InningsCard{
		BattingTeamID: inn.BattingTeamID,
		BattingTeam:   names.TeamName(inn.BattingTeamID),
		Batting:       []BattingEntry{},
		Bowling:       []BowlingEntry{},
		FallOfWickets: []FallOfWicket{},
	}

	batIdx := make(map[string]int)
	batter := func(id string) *BattingEntry {
		i, ok := batIdx[id]
		if !ok {
			i = len(card.Batting)
			batIdx[id] = i
			card.Batting = append(card.Batting, BattingEntry{PlayerID: id, Name: names.PlayerName(id), NotOut: true, HowOut: "not out"})
		}
		return &card.Batting[i]
	}
	bowlIdx := make(map[string]int)
	bowlBalls := make(map[string]int)
	bowler := func(id string) *BowlingEntry {
		i, ok := bowlIdx[id]
		if !ok {
			i = len(card.Bowling)
			bowlIdx[id] = i
			card.Bowling = append(card.Bowling, BowlingEntry{PlayerID: id, Name: names.PlayerName(id)})
		}
		return &card.Bowling[i]
	}

	var score, balls int
	// The over in progress, for maidens. An over shared by two bowlers is
	// nobody's maiden.
	overRuns, overBalls := 0, 0
	overBowler, overShared := "", false
	for _, d := range inn.DeliveryHistory {
		for _, id := range []string{d.StrikerID, d.NonStrikerID} {
			if id == "" {
				continue
			}
			b := batter(id)
			if b.RetiredHurt && !(d.IsRetirement() && id == d.StrikerID) {
				b.RetiredHurt = false
				b.HowOut = "not out"
			}
		}
		score += d.Runs + PenaltyRuns(d.Extra)

		if d.IsRetirement() {
			b := batter(d.Dismissal.BatsmanOutID)
			b.RetiredHurt = true
			b.HowOut = "retired hurt"
			continue
		}

		striker := batter(d.StrikerID)
		if d.Extra == ExtraNone || d.Extra == ExtraNoBall {
			striker.Runs += d.Runs
			switch d.Runs {
			case 4:
				striker.Fours++
			case 6:
				striker.Sixes++
			}
		}
		if d.Extra != ExtraWide {
			striker.Balls++
		}

		switch d.Extra {
		case ExtraWide:
			card.Extras.Wides += d.Runs + 1
		case ExtraNoBall:
			card.Extras.NoBalls++
		case ExtraByes:
			card.Extras.Byes += d.Runs
		case ExtraLegByes:
			card.Extras.LegByes += d.Runs
		}

		bw := bowler(d.BowlerID)
		if overBowler == "" {
			overBowler = d.BowlerID
		} else if d.BowlerID != overBowler {
			overShared = true
		}
		conceded := 0
		if d.Extra != ExtraByes && d.Extra != ExtraLegByes {
			conceded = d.Runs + PenaltyRuns(d.Extra)
		}
		bw.Runs += conceded
		overRuns += conceded
		switch d.Extra {
		case ExtraWide:
			bw.Wides++
		case ExtraNoBall:
			bw.NoBalls++
		}
		if d.CountsAsBall() {
			balls++
			bowlBalls[d.BowlerID]++
			overBalls++
			if overBalls == BallsPerOver {
				if overRuns == 0 && !overShared {
					bw.Maidens++
				}
				overRuns, overBalls = 0, 0
				overBowler, overShared = "", false
			}
		}

		if d.IsWicket && d.Dismissal != nil {
			if d.Dismissal.Type.CreditsBowler() {
				bw.Wickets++
			}
			out := batter(d.Dismissal.BatsmanOutID)
			out.NotOut = false
			out.RetiredHurt = false
			out.HowOut = howOut(*d.Dismissal, d.BowlerID, names)
			card.FallOfWickets = append(card.FallOfWickets, FallOfWicket{
				Wicket:   len(card.FallOfWickets) + 1,
				Score:    score,
				Overs:    EncodeOvers(balls),
				PlayerID: out.PlayerID,
				Name:     out.Name,
			})
		}
	}

	// Batsmen selected but yet to face a ball.
	for _, id := range []string{inn.StrikerID, inn.NonStrikerID} {
		if id != "" {
			batter(id)
		}
	}

	for i := range card.Batting {
		b := &card.Batting[i]
		b.StrikeRate = rate(float64(b.Runs)*100, float64(b.Balls))
	}
	for i := range card.Bowling {
		bw := &card.Bowling[i]
		n := bowlBalls[bw.PlayerID]
		bw.Overs = EncodeOvers(n)
		bw.Economy = rate(float64(bw.Runs)*BallsPerOver, float64(n))
	}
	card.Extras.Total = card.Extras.Wides + card.Extras.NoBalls + card.Extras.Byes + card.Extras.LegByes

	card.Score = inn.Score
	card.Wickets = inn.Wickets
	card.Overs = inn.Overs
	card.RunRate = rate(float64(inn.Score)*BallsPerOver, float64(inn.LegalBalls()))
	return card
}

func howOut(d Dismissal, bowlerID string, names Names) string {
	bowler := names.PlayerName(bowlerID)
	fielder := names.PlayerName(d.FielderID)
	switch d.Type {
	case DismissalBowled:
		return "b " + bowler
	case DismissalCaught:
		if d.FielderID == bowlerID {
			return "c & b " + bowler
		}
		return fmt.Sprintf("c %s b %s", fielder, bowler)
	case DismissalStumping:
		return fmt.Sprintf("st %s b %s", fielder, bowler)
	case DismissalRunOut:
		return fmt.Sprintf("run out (%s)", fielder)
	case DismissalHitWicket:
		return "hit wicket b " + bowler
	}
	return string(d.Type)
}

// rate returns num/den rounded to two decimals, or 0 when den is 0.
func rate(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return math.Round(num/den*100) / 100
}
