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

import "slices"

// Undo removes the last ledger entry of inn and rebuilds the derived state
// by replaying what is left. The three player slots go back to the players
// that were on the field when the removed ball was bowled.
func Undo(inn Innings) (Innings, error) {
	n := len(inn.DeliveryHistory)
	if n == 0 {
		return inn, ErrNothingToUndo
	}
	removed := inn.DeliveryHistory[n-1]

	out := inn.clone()
	out.DeliveryHistory = out.DeliveryHistory[:n-1]

	t := TallyLedger(out.DeliveryHistory)
	out.Score = t.Score
	out.Wickets = t.Wickets
	out.Overs = t.Overs()

	out.StrikerID = removed.StrikerID
	out.NonStrikerID = removed.NonStrikerID
	out.BowlerID = removed.BowlerID

	// A retired batsman who came back and faced the removed ball is on the
	// field again, not retired.
	out.RetiredHurtPlayerIDs = slices.DeleteFunc(RetiredHurt(out.DeliveryHistory), func(id string) bool {
		return id != "" && (id == out.StrikerID || id == out.NonStrikerID)
	})
	return out, nil
}
