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
	"math"
	"slices"
	"strconv"
)

// BallsPerOver is the number of legal deliveries in an over.
const BallsPerOver = 6

// EncodeOvers renders a legal ball count in the "overs.balls" form used by
// every display, e.g. 9 balls -> 1.3. The fractional digit is a ball count
// (0-5), not a decimal fraction.
func EncodeOvers(legalBalls int) float64 {
	if legalBalls < 0 {
		legalBalls = 0
	}
	s := strconv.Itoa(legalBalls/BallsPerOver) + "." + strconv.Itoa(legalBalls%BallsPerOver)
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// DecodeOvers is the inverse of EncodeOvers.
func DecodeOvers(overs float64) int {
	tenths := int(math.Round(overs * 10))
	if tenths < 0 {
		return 0
	}
	return (tenths/10)*BallsPerOver + tenths%10
}

// FormatOvers renders overs for text output ("12.3").
func FormatOvers(overs float64) string {
	return strconv.FormatFloat(overs, 'f', 1, 64)
}

// FormatOutcome renders the display string of a delivery. A wicket shows its
// dismissal type ahead of any runs or extras.
func FormatOutcome(runs int, extra ExtraKind, isWicket bool, dismissal *Dismissal) string {
	if isWicket {
		if dismissal != nil && dismissal.Type != "" {
			return string(dismissal.Type)
		}
		return "W"
	}
	r := strconv.Itoa(runs)
	switch extra {
	case ExtraWide:
		return r + "wd"
	case ExtraNoBall:
		return r + "nb"
	case ExtraByes:
		return r + "b"
	case ExtraLegByes:
		return r + "lb"
	}
	return r
}

// Tally holds the totals derived from a ledger.
type Tally struct {
	Score      int
	Wickets    int
	LegalBalls int
}

// Overs returns the encoded overs of the tally.
func (t Tally) Overs() float64 {
	return EncodeOvers(t.LegalBalls)
}

// PenaltyRuns returns the one-run penalty of a wide or no-ball.
func PenaltyRuns(extra ExtraKind) int {
	if extra.Legal() {
		return 0
	}
	return 1
}

// TallyLedger folds a ledger into its totals.
func TallyLedger(history []Delivery) Tally {
	var t Tally
	for _, d := range history {
		t.Score += d.Runs + PenaltyRuns(d.Extra)
		if d.IsWicket {
			t.Wickets++
		}
		if d.CountsAsBall() {
			t.LegalBalls++
		}
	}
	return t
}

// RetiredHurt returns the batsmen who retired and have not batted since.
func RetiredHurt(history []Delivery) []string {
	retired := []string{}
	for _, d := range history {
		retired = slices.DeleteFunc(retired, func(id string) bool {
			return (id == d.StrikerID && !d.IsRetirement()) || id == d.NonStrikerID
		})
		if d.IsRetirement() && !slices.Contains(retired, d.Dismissal.BatsmanOutID) {
			retired = append(retired, d.Dismissal.BatsmanOutID)
		}
	}
	return retired
}

// Dismissed returns the set of batsmen who are out. Retirements are not
// dismissals.
func Dismissed(history []Delivery) map[string]bool {
	out := make(map[string]bool)
	for _, d := range history {
		if d.IsWicket && d.Dismissal != nil && !d.IsRetirement() {
			out[d.Dismissal.BatsmanOutID] = true
		}
	}
	return out
}

func lastTimestamp(m *Match) int64 {
	var last int64
	for _, inn := range m.Innings {
		if n := len(inn.DeliveryHistory); n > 0 && inn.DeliveryHistory[n-1].Timestamp > last {
			last = inn.DeliveryHistory[n-1].Timestamp
		}
	}
	return last
}
