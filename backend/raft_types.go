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
	"fmt"
)

// CommandType represents the type of operation to perform on the FSM.
type CommandType string

const (
	CmdSaveMatch          CommandType = "SAVE_MATCH"
	CmdDeleteMatch        CommandType = "DELETE_MATCH"
	CmdApplyAction        CommandType = "APPLY_ACTION"
	CmdSaveTeam           CommandType = "SAVE_TEAM"
	CmdDeleteTeam         CommandType = "DELETE_TEAM"
	CmdNodeMeta           CommandType = "NODE_META"
	CmdNodeLeft           CommandType = "NODE_LEFT"
	CmdUpdateAccessPolicy CommandType = "UPDATE_ACCESS_POLICY"
)

// RaftCommand is a unified structure for all Raft log entries.
type RaftCommand struct {
	Type       CommandType       `json:"type"`
	NodeMeta   *NodeMeta         `json:"nodeMeta,omitempty"`
	Action     *ActionPayload    `json:"action,omitempty"`
	MatchData  *json.RawMessage  `json:"matchData,omitempty"`
	TeamData   *json.RawMessage  `json:"teamData,omitempty"`
	PolicyData *UserAccessPolicy `json:"policyData,omitempty"`
	ID         string            `json:"id,omitempty"`
	Force      bool              `json:"force,omitempty"`
}

// NodeMeta contains metadata about a cluster node.
type NodeMeta struct {
	NodeID          string `json:"nodeId"`
	HttpAddr        string `json:"httpAddr"`
	AppVersion      string `json:"appVersion,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	SchemaVersion   int    `json:"schemaVersion,omitempty"`
}

// ActionPayload contains details for CmdApplyAction.
type ActionPayload struct {
	MatchID string            `json:"matchId"`
	Actions []json.RawMessage `json:"actions"`
	UserID  string            `json:"userId"`
}

// check reports a command whose type requires a payload that is absent.
func (c RaftCommand) check() error {
	ok := true
	switch c.Type {
	case CmdSaveMatch:
		ok = c.MatchData != nil
	case CmdApplyAction:
		ok = c.Action != nil && len(c.Action.Actions) > 0
	case CmdSaveTeam:
		ok = c.TeamData != nil
	case CmdNodeMeta, CmdNodeLeft:
		ok = c.NodeMeta != nil
	case CmdUpdateAccessPolicy:
		ok = c.PolicyData != nil
	}
	if !ok {
		return fmt.Errorf("%s command without payload", c.Type)
	}
	return nil
}
