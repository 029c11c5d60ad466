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
	"log"
	"net/http"
	"os"
	"slices"
	"strings"
)

type contextKey struct{}

// userIDKey is the context key for the authenticated user's ID (email).
// The associated value is always a string.
var userIDKey contextKey

// getUserID returns the UserID from the request context, if present.
func getUserID(r *http.Request) string {
	if val := r.Context().Value(userIDKey); val != nil {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

// normalizeEmail ensures consistent casing and whitespace for User IDs.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// maskEmail obscures an email address for safe logging.
// e.g. "user@example.com" -> "u***@example.com"
func maskEmail(email string) string {
	if email == "" {
		return "<empty>"
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || len(parts[0]) < 1 {
		return "****"
	}
	return string(parts[0][0]) + "***@" + parts[1]
}

type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessWrite
	AccessAdmin
)

// TeamRolesSource looks up the roles of a team.
type TeamRolesSource interface {
	TeamRoles(teamID string) (TeamRoles, bool)
}

// TeamRoles implements TeamRolesSource by reading the team from disk.
func (ts *TeamStore) TeamRoles(teamID string) (TeamRoles, bool) {
	t, err := ts.LoadTeam(teamID)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[AUTH] failed to load team %s: %v", teamID, err)
		}
		return TeamRoles{}, false
	}
	if t.Deleted() {
		return TeamRoles{}, false
	}
	return t.Roles, true
}

func hasMember(list []string, userId string) bool {
	return slices.ContainsFunc(list, func(u string) bool { return normalizeEmail(u) == userId })
}

// roleAccess maps team roles to the access they grant on the team's matches.
func roleAccess(roles TeamRoles, userId string) AccessLevel {
	switch {
	case hasMember(roles.Admins, userId):
		return AccessAdmin
	case hasMember(roles.Scorekeepers, userId):
		return AccessWrite
	case hasMember(roles.Spectators, userId):
		return AccessRead
	}
	return AccessNone
}

// GetMatchAccess calculates the effective access level for a user on a match.
// teams may be nil.
func GetMatchAccess(userId string, meta MatchMetadata, teams TeamRolesSource) AccessLevel {
	userId = normalizeEmail(userId)
	if userId != "" {
		if normalizeEmail(meta.OwnerID) == userId {
			return AccessAdmin
		}

		level := AccessNone
		for u, role := range meta.Permissions.Users {
			if normalizeEmail(u) != userId {
				continue
			}
			switch role {
			case PermissionWrite:
				level = AccessWrite
			case PermissionRead:
				level = AccessRead
			}
		}

		// Team roles can raise direct permissions.
		if teams != nil {
			for _, teamID := range []string{meta.Team1ID, meta.Team2ID} {
				if teamID == "" {
					continue
				}
				if roles, ok := teams.TeamRoles(teamID); ok {
					level = max(level, roleAccess(roles, userId))
				}
			}
		}
		if level > AccessNone {
			return level
		}
	}

	if meta.Permissions.Public == PermissionRead {
		return AccessRead
	}
	return AccessNone
}

// GetTeamAccess calculates the effective access level for a user on a team.
func GetTeamAccess(userId string, team Team) AccessLevel {
	userId = normalizeEmail(userId)
	if userId == "" {
		return AccessNone
	}
	if normalizeEmail(team.OwnerID) == userId {
		return AccessAdmin
	}
	return roleAccess(team.Roles, userId)
}
