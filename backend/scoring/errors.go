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

import "errors"

// Errors returned by the engine. None of them leave the match modified.
var (
	ErrPlayersNotSet        = errors.New("select a striker, non-striker and bowler first")
	ErrNoStrikerSelected    = errors.New("select a striker first")
	ErrNothingToUndo        = errors.New("nothing to undo in this innings")
	ErrInvalidWicketDetails = errors.New("invalid wicket details")
	ErrInvalidDelivery      = errors.New("invalid delivery")
	ErrMatchCompleted       = errors.New("match is already completed")
	ErrInvalidMatch         = errors.New("invalid match")

	ErrUnknownRole              = errors.New("unknown player role")
	ErrPlayerNotInSquad         = errors.New("player is not in the squad")
	ErrPlayerDismissed          = errors.New("player is already out")
	ErrPlayerOnField            = errors.New("player is already batting")
	ErrRetiredPlayerUnavailable = errors.New("retired player can only return when no other batsman is available")
)
