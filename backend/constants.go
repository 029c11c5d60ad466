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

import "github.com/ttbt-io/wicketkeeper/backend/scoring"

const (
	CurrentSchemaVersion   = 1
	CurrentProtocolVersion = 1
	CurrentAppVersion      = "0.1.0"
)

// StatusDeleted marks a tombstoned match or team.
const StatusDeleted scoring.Status = "deleted"

// Access strings stored in Permissions.
const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionNone  = "none"
)

// Action types
const (
	ActionMatchStart          = "MATCH_START"
	ActionDelivery            = "DELIVERY"
	ActionRetireStriker       = "RETIRE_STRIKER"
	ActionUndo                = "UNDO"
	ActionEndInning           = "END_INNING"
	ActionSetPlayer           = "SET_PLAYER"
	ActionSwapStrikers        = "SWAP_STRIKERS"
	ActionMatchMetadataUpdate = "MATCH_METADATA_UPDATE"
)

// Field limits
const (
	maxTitleLen     = 100
	maxVenueLen     = 100
	maxNameLen      = 50
	maxShortNameLen = 10
	maxIDLen        = 64
	maxSquadSize    = 30
	maxRosterSize   = 60
	maxRuns         = 10
	maxOvers        = 50
)
