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
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"time"

	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

// uuidRegex is a regex for standard UUIDs (8-4-4-4-12 hex digits)
var uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// isValidUUID checks if the string is a valid UUID.
func isValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}

// isValidEmail checks if the string is a valid email address.
func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

var (
	ErrMatchNotStarted = errors.New("match has not been started")
	ErrMatchExists     = errors.New("match already started")
	ErrMatchDeleted    = errors.New("match was deleted")
	ErrUnknownAction   = errors.New("unknown action type")
)

// BaseAction represents the common fields of an action.
type BaseAction struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	SchemaVersion int             `json:"schemaVersion,omitempty"`
}

// MatchStartPayload creates the match. The owner is filled in by the server.
type MatchStartPayload struct {
	scoring.MatchParams
	OwnerID     string            `json:"ownerId"`
	Title       string            `json:"title"`
	Venue       string            `json:"venue"`
	Date        string            `json:"date"`
	Team1Name   string            `json:"team1Name"`
	Team2Name   string            `json:"team2Name"`
	PlayerNames map[string]string `json:"playerNames"`
	Permissions Permissions       `json:"permissions"`
}

// SetPlayerPayload fills one player slot.
type SetPlayerPayload struct {
	Role     scoring.Role `json:"role"`
	PlayerID string       `json:"playerId"`
}

// MetadataUpdatePayload changes the descriptive fields of a match. Nil
// fields are left alone.
type MetadataUpdatePayload struct {
	Title       *string      `json:"title"`
	Venue       *string      `json:"venue"`
	Date        *string      `json:"date"`
	Team1Name   *string      `json:"team1Name"`
	Team2Name   *string      `json:"team2Name"`
	Permissions *Permissions `json:"permissions"`
}

// ValidateAction validates a single action from raw JSON.
func ValidateAction(raw json.RawMessage) error {
	var action BaseAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return fmt.Errorf("malformed action JSON")
	}
	if !isValidUUID(action.ID) {
		return fmt.Errorf("invalid action ID: %s", action.ID)
	}
	if action.Type == "" {
		return fmt.Errorf("missing action type")
	}
	if action.Timestamp < 0 {
		return fmt.Errorf("invalid timestamp")
	}
	return validateActionPayload(action.Type, action.Payload)
}

// ValidateActions validates a list of actions.
func ValidateActions(actions []json.RawMessage) error {
	for i, raw := range actions {
		if err := ValidateAction(raw); err != nil {
			return fmt.Errorf("invalid action at index %d: %w", i, err)
		}
	}
	return nil
}

func validateActionPayload(actionType string, payload json.RawMessage) error {
	switch actionType {
	case ActionMatchStart:
		return validateMatchStart(payload)
	case ActionDelivery:
		return validateDelivery(payload)
	case ActionSetPlayer:
		return validateSetPlayer(payload)
	case ActionMatchMetadataUpdate:
		return validateMetadataUpdate(payload)
	case ActionRetireStriker, ActionUndo, ActionEndInning, ActionSwapStrikers:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownAction, actionType)
}

// validateStringLen checks if the string length is within the limit.
func validateStringLen(s string, max int, name string) error {
	if len(s) > max {
		return fmt.Errorf("%s too long (max %d chars)", name, max)
	}
	return nil
}

func validateDate(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, s); err == nil {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, s); err != nil {
		return fmt.Errorf("invalid date format: %q", s)
	}
	return nil
}

func validatePermissions(p Permissions) error {
	switch p.Public {
	case "", PermissionNone, PermissionRead:
	default:
		return fmt.Errorf("invalid public permission %q", p.Public)
	}
	for email, level := range p.Users {
		if !isValidEmail(email) {
			return fmt.Errorf("invalid user in permissions: %q", email)
		}
		if level != PermissionRead && level != PermissionWrite {
			return fmt.Errorf("invalid permission %q for %s", level, email)
		}
	}
	return nil
}

func validateSquad(ids []string, name string) error {
	if len(ids) > maxSquadSize {
		return fmt.Errorf("%s has more than %d players", name, maxSquadSize)
	}
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%s has an empty player id", name)
		}
		if err := validateStringLen(id, maxIDLen, name+" player id"); err != nil {
			return err
		}
	}
	return nil
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(payload, v)
}

func validateMatchStart(payload json.RawMessage) error {
	var p MatchStartPayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	if !isValidUUID(p.ID) {
		return fmt.Errorf("invalid match ID in payload")
	}
	if p.Overs < 1 || p.Overs > maxOvers {
		return fmt.Errorf("overs must be between 1 and %d", maxOvers)
	}
	for name, id := range map[string]string{"team1Id": p.Team1ID, "team2Id": p.Team2ID, "tossWinnerId": p.TossWinnerID} {
		if id == "" {
			return fmt.Errorf("missing %s", name)
		}
		if err := validateStringLen(id, maxIDLen, name); err != nil {
			return err
		}
	}
	if p.TossDecision != scoring.TossBat && p.TossDecision != scoring.TossBowl {
		return fmt.Errorf("invalid toss decision %q", p.TossDecision)
	}
	if err := validateSquad(p.Team1PlayerIDs, "team 1 squad"); err != nil {
		return err
	}
	if err := validateSquad(p.Team2PlayerIDs, "team 2 squad"); err != nil {
		return err
	}
	if err := validateStringLen(p.Title, maxTitleLen, "title"); err != nil {
		return err
	}
	if err := validateStringLen(p.Venue, maxVenueLen, "venue"); err != nil {
		return err
	}
	if err := validateStringLen(p.Team1Name, maxNameLen, "team 1 name"); err != nil {
		return err
	}
	if err := validateStringLen(p.Team2Name, maxNameLen, "team 2 name"); err != nil {
		return err
	}
	for id, name := range p.PlayerNames {
		if err := validateStringLen(id, maxIDLen, "player id"); err != nil {
			return err
		}
		if err := validateStringLen(name, maxNameLen, "player name"); err != nil {
			return err
		}
	}
	if err := validateDate(p.Date); err != nil {
		return err
	}
	return validatePermissions(p.Permissions)
}

func validateDelivery(payload json.RawMessage) error {
	var in scoring.DeliveryInput
	if err := decodePayload(payload, &in); err != nil {
		return err
	}
	if in.Runs > maxRuns {
		return fmt.Errorf("%w: more than %d runs off one ball", scoring.ErrInvalidDelivery, maxRuns)
	}
	if in.Dismissal != nil {
		if err := validateStringLen(in.Dismissal.BatsmanOutID, maxIDLen, "batsmanOutId"); err != nil {
			return err
		}
		if err := validateStringLen(in.Dismissal.FielderID, maxIDLen, "fielderId"); err != nil {
			return err
		}
	}
	return in.Validate()
}

func validateSetPlayer(payload json.RawMessage) error {
	var p SetPlayerPayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	if !p.Role.Valid() {
		return fmt.Errorf("%w: %q", scoring.ErrUnknownRole, p.Role)
	}
	if p.PlayerID == "" {
		return fmt.Errorf("missing playerId")
	}
	return validateStringLen(p.PlayerID, maxIDLen, "playerId")
}

func validateMetadataUpdate(payload json.RawMessage) error {
	var p MetadataUpdatePayload
	if err := decodePayload(payload, &p); err != nil {
		return err
	}
	if p.Title != nil {
		if err := validateStringLen(*p.Title, maxTitleLen, "title"); err != nil {
			return err
		}
	}
	if p.Venue != nil {
		if err := validateStringLen(*p.Venue, maxVenueLen, "venue"); err != nil {
			return err
		}
	}
	if p.Team1Name != nil {
		if err := validateStringLen(*p.Team1Name, maxNameLen, "team 1 name"); err != nil {
			return err
		}
	}
	if p.Team2Name != nil {
		if err := validateStringLen(*p.Team2Name, maxNameLen, "team 2 name"); err != nil {
			return err
		}
	}
	if p.Date != nil {
		if err := validateDate(*p.Date); err != nil {
			return err
		}
	}
	if p.Permissions != nil {
		return validatePermissions(*p.Permissions)
	}
	return nil
}

// ApplyActions applies multiple actions in order.
func ApplyActions(doc *MatchDocument, actions []json.RawMessage, teams *TeamStore) (bool, error) {
	anyChanged := false
	for _, raw := range actions {
		changed, err := ApplyAction(doc, raw, teams)
		if err != nil {
			return anyChanged, err
		}
		anyChanged = anyChanged || changed
	}
	return anyChanged, nil
}

// ApplyAction runs one umpire action against doc and appends it to the
// action log. It assumes validation and authorization have already been
// performed. It returns false if the action was already applied. On error
// doc is unchanged.
//
// The engine clock is the action timestamp, so every replica applying the
// same log builds the same ledger.
func ApplyAction(doc *MatchDocument, raw json.RawMessage, teams *TeamStore) (bool, error) {
	var action BaseAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return false, fmt.Errorf("failed to unmarshal action for apply: %w", err)
	}

	const maxScan = 100
	for i, count := len(doc.ActionLog)-1, 0; i >= 0 && count < maxScan; i, count = i-1, count+1 {
		var existing BaseAction
		if err := json.Unmarshal(doc.ActionLog[i], &existing); err == nil && existing.ID == action.ID {
			return false, nil
		}
	}

	if doc.Status == StatusDeleted {
		return false, ErrMatchDeleted
	}
	if action.Type == ActionMatchStart {
		if err := applyMatchStart(doc, action, teams); err != nil {
			return false, err
		}
		doc.ActionLog = append(doc.ActionLog, raw)
		return true, nil
	}
	if len(doc.Innings) == 0 {
		return false, ErrMatchNotStarted
	}

	dir := NewDirectory(doc, teams)
	e := dir.Engine()
	e.Clock = func() int64 { return action.Timestamp }

	var (
		m   scoring.Match
		err error
	)
	switch action.Type {
	case ActionDelivery:
		var in scoring.DeliveryInput
		if err := decodePayload(action.Payload, &in); err != nil {
			return false, err
		}
		m, err = e.RecordDelivery(doc.Match, in)
	case ActionRetireStriker:
		m, err = e.RetireStriker(doc.Match)
	case ActionUndo:
		m, err = e.UndoLastDelivery(doc.Match)
	case ActionEndInning:
		m, err = e.ForceEndInning(doc.Match)
	case ActionSwapStrikers:
		m, err = e.SwapStrikers(doc.Match)
	case ActionSetPlayer:
		var p SetPlayerPayload
		if err := decodePayload(action.Payload, &p); err != nil {
			return false, err
		}
		m, err = e.SetPlayerInMatch(doc.Match, p.Role, p.PlayerID)
	case ActionMatchMetadataUpdate:
		var p MetadataUpdatePayload
		if err := decodePayload(action.Payload, &p); err != nil {
			return false, err
		}
		applyMetadataUpdate(doc, p)
		m = doc.Match
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownAction, action.Type)
	}
	if err != nil {
		return false, err
	}

	doc.Match = m
	doc.ActionLog = append(doc.ActionLog, raw)
	return true, nil
}

func applyMatchStart(doc *MatchDocument, action BaseAction, teams *TeamStore) error {
	if len(doc.Innings) > 0 {
		return ErrMatchExists
	}
	var p MatchStartPayload
	if err := decodePayload(action.Payload, &p); err != nil {
		return err
	}
	m, err := scoring.NewMatch(p.MatchParams)
	if err != nil {
		return err
	}
	doc.Match = m
	doc.SchemaVersion = action.SchemaVersion
	if doc.SchemaVersion == 0 {
		doc.SchemaVersion = CurrentSchemaVersion
	}
	doc.OwnerID = p.OwnerID
	doc.Title = p.Title
	doc.Venue = p.Venue
	doc.Date = p.Date
	doc.Permissions = p.Permissions
	doc.PlayerNames = p.PlayerNames
	doc.CreatedAt = action.Timestamp
	doc.Team1Name = p.Team1Name
	doc.Team2Name = p.Team2Name

	// Keep the names known at start so listings do not depend on the team store.
	dir := NewDirectory(doc, teams)
	if doc.Team1Name == "" {
		if n := dir.TeamName(doc.Team1ID); n != doc.Team1ID {
			doc.Team1Name = n
		}
	}
	if doc.Team2Name == "" {
		if n := dir.TeamName(doc.Team2ID); n != doc.Team2ID {
			doc.Team2Name = n
		}
	}
	doc.normalize()
	return nil
}

func applyMetadataUpdate(doc *MatchDocument, p MetadataUpdatePayload) {
	if p.Title != nil {
		doc.Title = *p.Title
	}
	if p.Venue != nil {
		doc.Venue = *p.Venue
	}
	if p.Date != nil {
		doc.Date = *p.Date
	}
	if p.Team1Name != nil {
		doc.Team1Name = *p.Team1Name
	}
	if p.Team2Name != nil {
		doc.Team2Name = *p.Team2Name
	}
	if p.Permissions != nil {
		doc.Permissions = *p.Permissions
		if doc.Permissions.Users == nil {
			doc.Permissions.Users = make(map[string]string)
		}
	}
}

// getCurrentRevision returns the id of the last action in the log.
func getCurrentRevision(log []json.RawMessage) string {
	if len(log) == 0 {
		return ""
	}
	var a BaseAction
	if err := json.Unmarshal(log[len(log)-1], &a); err != nil {
		return ""
	}
	return a.ID
}

// getActionsSince returns the actions after the one with id rev. ok is
// false if rev is not in the log.
func getActionsSince(log []json.RawMessage, rev string) ([]json.RawMessage, bool) {
	if rev == "" {
		return log, true
	}
	for i := len(log) - 1; i >= 0; i-- {
		var a BaseAction
		if err := json.Unmarshal(log[i], &a); err == nil && a.ID == rev {
			return log[i+1:], true
		}
	}
	return nil, false
}

// ValidateTeam checks a team submitted by a client.
func ValidateTeam(t *Team) error {
	if !isValidUUID(t.ID) {
		return fmt.Errorf("invalid team ID: %s", t.ID)
	}
	if t.Name == "" {
		return fmt.Errorf("missing team name")
	}
	if err := validateStringLen(t.Name, maxNameLen, "team name"); err != nil {
		return err
	}
	if err := validateStringLen(t.ShortName, maxShortNameLen, "short name"); err != nil {
		return err
	}
	if len(t.Roster) > maxRosterSize {
		return fmt.Errorf("roster has more than %d players", maxRosterSize)
	}
	seen := make(map[string]bool)
	for _, p := range t.Roster {
		if p.ID == "" || seen[p.ID] {
			return fmt.Errorf("duplicate or empty player id %q", p.ID)
		}
		seen[p.ID] = true
		if err := validateStringLen(p.ID, maxIDLen, "player id"); err != nil {
			return err
		}
		if err := validateStringLen(p.Name, maxNameLen, "player name"); err != nil {
			return err
		}
	}
	for _, list := range [][]string{t.Roles.Admins, t.Roles.Scorekeepers, t.Roles.Spectators} {
		for _, email := range list {
			if !isValidEmail(email) {
				return fmt.Errorf("invalid team member: %q", email)
			}
		}
	}
	return nil
}
