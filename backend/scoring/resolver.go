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
)

// DeliveryInput is the umpire's description of one ball.
type DeliveryInput struct {
	Runs      int        `json:"runs"`
	IsWicket  bool       `json:"isWicket"`
	Extra     ExtraKind  `json:"extra,omitempty"`
	Dismissal *Dismissal `json:"dismissal,omitempty"`
}

// Validate checks the input on its own, without looking at the innings.
func (in DeliveryInput) Validate() error {
	if in.Runs < 0 {
		return fmt.Errorf("%w: runs must not be negative", ErrInvalidDelivery)
	}
	if !in.Extra.Valid() {
		return fmt.Errorf("%w: unknown extra %q", ErrInvalidDelivery, in.Extra)
	}
	if !in.IsWicket {
		if in.Dismissal != nil {
			return fmt.Errorf("%w: dismissal given without a wicket", ErrInvalidWicketDetails)
		}
		return nil
	}
	if in.Dismissal == nil {
		return fmt.Errorf("%w: missing dismissal", ErrInvalidWicketDetails)
	}
	t := in.Dismissal.Type
	if !t.Valid() {
		return fmt.Errorf("%w: unknown dismissal type %q", ErrInvalidWicketDetails, t)
	}
	if t == DismissalRetired {
		return fmt.Errorf("%w: use retire striker for retirements", ErrInvalidWicketDetails)
	}
	if t.NeedsFielder() && in.Dismissal.FielderID == "" {
		return fmt.Errorf("%w: %s requires a fielder", ErrInvalidWicketDetails, t)
	}
	return nil
}

// Resolve applies one delivery to an innings and returns the new innings.
// inn is not modified. ts is stored on the ledger entry as-is.
func Resolve(inn Innings, in DeliveryInput, ts int64) (Innings, error) {
	if inn.StrikerID == "" || inn.NonStrikerID == "" || inn.BowlerID == "" {
		return inn, ErrPlayersNotSet
	}
	if err := in.Validate(); err != nil {
		return inn, err
	}

	var dismissal *Dismissal
	if in.IsWicket {
		d := *in.Dismissal
		if d.BatsmanOutID == "" {
			d.BatsmanOutID = inn.StrikerID
		}
		if d.BatsmanOutID != inn.StrikerID && d.BatsmanOutID != inn.NonStrikerID {
			return inn, fmt.Errorf("%w: batsman %s is not at the crease", ErrInvalidWicketDetails, d.BatsmanOutID)
		}
		dismissal = &d
	}

	out := inn.clone()
	delivery := Delivery{
		Runs:         in.Runs,
		IsWicket:     in.IsWicket,
		Extra:        in.Extra,
		Dismissal:    dismissal,
		Outcome:      FormatOutcome(in.Runs, in.Extra, in.IsWicket, dismissal),
		StrikerID:    inn.StrikerID,
		NonStrikerID: inn.NonStrikerID,
		BowlerID:     inn.BowlerID,
		Timestamp:    ts,
	}
	out.DeliveryHistory = append(out.DeliveryHistory, delivery)

	out.Score += in.Runs + PenaltyRuns(in.Extra)

	if delivery.CountsAsBall() {
		balls := out.LegalBalls() + 1
		out.Overs = EncodeOvers(balls)
		if balls%BallsPerOver == 0 {
			out.swapBatsmen()
			out.BowlerID = ""
		}
	}

	if in.IsWicket {
		out.Wickets++
	}

	// Runs completed by running rotate strike, byes and leg byes included.
	// This is applied on top of the end-of-over swap.
	if in.Extra.Legal() && in.Runs%2 == 1 {
		out.swapBatsmen()
	}

	if dismissal != nil {
		out.clearBatsman(dismissal.BatsmanOutID)
	}
	return out, nil
}

// Retire records the striker leaving the field not out. The retirement uses
// up a wicket for the purpose of ending the innings.
func Retire(inn Innings, ts int64) (Innings, error) {
	if inn.StrikerID == "" {
		return inn, ErrNoStrikerSelected
	}
	striker := inn.StrikerID

	out := inn.clone()
	out.DeliveryHistory = append(out.DeliveryHistory, Delivery{
		Runs:         0,
		IsWicket:     true,
		Dismissal:    &Dismissal{Type: DismissalRetired, BatsmanOutID: striker},
		Outcome:      string(DismissalRetired),
		StrikerID:    inn.StrikerID,
		NonStrikerID: inn.NonStrikerID,
		BowlerID:     inn.BowlerID,
		Timestamp:    ts,
	})
	out.Wickets++
	if !slices.Contains(out.RetiredHurtPlayerIDs, striker) {
		out.RetiredHurtPlayerIDs = append(out.RetiredHurtPlayerIDs, striker)
	}
	out.StrikerID = ""
	return out, nil
}

func (inn *Innings) swapBatsmen() {
	inn.StrikerID, inn.NonStrikerID = inn.NonStrikerID, inn.StrikerID
}

func (inn *Innings) clearBatsman(id string) {
	switch id {
	case inn.StrikerID:
		inn.StrikerID = ""
	case inn.NonStrikerID:
		inn.NonStrikerID = ""
	}
}
