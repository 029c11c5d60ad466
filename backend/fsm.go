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
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

var ErrConflict = errors.New("conflict detected")

// ApplyError is an action batch rejected by the match engine. The FSM
// returns it through the Raft future so the proposer can report it.
type ApplyError struct {
	Err error
}

func (e *ApplyError) Error() string { return e.Err.Error() }
func (e *ApplyError) Unwrap() error { return e.Err }

// FSM implements the raft.FSM interface.
type FSM struct {
	ms          *MatchStore
	ts          *TeamStore
	r           *Registry
	hm          *HubManager
	storage     *storage.Storage
	initialized atomic.Bool
	rm          *RaftManager

	peers            *nodeDirectory
	lastAppliedIndex atomic.Uint64
}

// NewFSM creates a new FSM.
func NewFSM(ms *MatchStore, ts *TeamStore, r *Registry, hm *HubManager, s *storage.Storage) *FSM {
	f := &FSM{
		ms:      ms,
		ts:      ts,
		r:       r,
		hm:      hm,
		storage: s,
		peers:   newNodeDirectory(s),
	}
	if s != nil {
		if _, err := os.Stat(filepath.Join(s.Dir(), "initialized")); err == nil {
			f.initialized.Store(true)
		}
	}
	return f
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	return f.lastAppliedIndex.Load()
}

// IsInitialized returns true if the node has joined a cluster.
func (f *FSM) IsInitialized() bool {
	return f.initialized.Load()
}

func (f *FSM) setInitialized() {
	if f.initialized.Swap(true) {
		return
	}
	if f.storage != nil {
		if err := f.storage.SaveDataFile("initialized", "true"); err != nil {
			log.Printf("FSM Error: failed to save initialized state: %v", err)
		}
	}
}

// Apply applies a Raft log entry to the stores.
func (f *FSM) Apply(l *raft.Log) any {
	if len(l.Data) == 0 {
		return nil
	}
	var cmd RaftCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log.Printf("FSM Apply Error: failed to decode command: %v", err)
		return err
	}
	res := f.applyCommand(cmd, l.Index)
	f.lastAppliedIndex.Store(l.Index)
	return res
}

// GetHubManager returns the hubs fed by this FSM.
func (f *FSM) GetHubManager() *HubManager {
	return f.hm
}

func (f *FSM) GetStores() (*MatchStore, *TeamStore) {
	return f.ms, f.ts
}

func (f *FSM) GetNodeCount() int {
	return f.peers.len()
}

func (f *FSM) GetAllNodes() map[string]string {
	nodes := make(map[string]string)
	for id, meta := range f.peers.all() {
		nodes[id] = meta.HttpAddr
	}
	return nodes
}

func (f *FSM) GetNodeAddr(nodeID string) string {
	if meta := f.GetNodeMeta(nodeID); meta != nil {
		return meta.HttpAddr
	}
	return ""
}

func (f *FSM) GetNodeMeta(nodeID string) *NodeMeta {
	return f.peers.get(nodeID)
}

func (f *FSM) isLeader() bool {
	return f.rm != nil && f.rm.Raft != nil && f.rm.Raft.State() == raft.Leader
}

// changed saves doc, updates the registry and notifies the match hub. Only
// the leader publishes to the event stream.
func (f *FSM) changed(doc *MatchDocument, numActions int) error {
	if err := f.ms.SaveMatchInMemory(doc, f.rm == nil); err != nil {
		return err
	}
	f.r.UpdateMatch(doc.Metadata())
	if data, err := json.Marshal(doc); err == nil {
		f.hm.BroadcastToMatch(doc.ID, data, numActions)
	}
	if f.isLeader() {
		f.hm.publish(doc, numActions)
	}
	return nil
}

func (f *FSM) loadMatch(id string) (*MatchDocument, error) {
	doc, err := f.ms.LoadMatch(id)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load match %s: %w", id, err)
		}
		doc = &MatchDocument{}
		doc.ID = id
		doc.normalize()
	} else if doc.ID != id {
		return nil, fmt.Errorf("data consistency error: loaded match ID %s does not match expected %s", doc.ID, id)
	}
	return doc, nil
}

func (f *FSM) applyActions(p *ActionPayload, index uint64) error {
	doc, err := f.loadMatch(p.MatchID)
	if err != nil {
		return err
	}
	if index > 0 && index <= doc.LastRaftIndex {
		return nil // Already applied
	}

	// The batch is all or nothing.
	clone := doc.Clone()
	changed, err := ApplyActions(clone, p.Actions, f.ts)
	if err != nil {
		return &ApplyError{Err: err}
	}
	if !changed {
		return nil
	}
	clone.LastRaftIndex = index
	return f.changed(clone, len(p.Actions))
}

func (f *FSM) checkMatchConflict(incoming, existing *MatchDocument) error {
	if len(incoming.ActionLog) < len(existing.ActionLog) {
		return fmt.Errorf("incoming match state is older or forked (log length %d < %d): %w", len(incoming.ActionLog), len(existing.ActionLog), ErrConflict)
	}
	for i := range existing.ActionLog {
		if ex, in := logActionID(existing.ActionLog[i]), logActionID(incoming.ActionLog[i]); ex != in {
			return fmt.Errorf("history divergence at index %d (%s vs %s): %w", i, ex, in, ErrConflict)
		}
	}
	return nil
}

func (f *FSM) applySaveMatch(id string, data []byte, index uint64, force bool) error {
	var doc MatchDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal match data: %w", err)
	}
	if doc.ID != id {
		return fmt.Errorf("match data has id %s, want %s", doc.ID, id)
	}
	doc.normalize()

	if existing, err := f.ms.LoadMatch(id); err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
		if !force {
			if err := f.checkMatchConflict(&doc, existing); err != nil {
				return err
			}
		}
	}
	if index > 0 {
		doc.LastRaftIndex = index
	}
	if err := f.ms.SaveMatch(&doc); err != nil {
		return err
	}
	f.r.UpdateMatch(doc.Metadata())
	f.hm.BroadcastToMatch(id, data, 0)
	return nil
}

func (f *FSM) applyDeleteMatch(id string, index uint64) error {
	existing, err := f.ms.LoadMatch(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if index > 0 && index <= existing.LastRaftIndex {
		return nil
	}
	if err := f.ms.DeleteMatch(id); err != nil {
		return err
	}
	tombstone, err := f.ms.LoadMatch(id)
	if err != nil {
		return err
	}
	tombstone.LastRaftIndex = index
	if err := f.ms.SaveMatch(tombstone); err != nil {
		return err
	}
	f.r.DeleteMatch(id)
	if data, err := json.Marshal(tombstone); err == nil {
		f.hm.BroadcastToMatch(id, data, 0)
	}
	if f.isLeader() {
		f.hm.publish(tombstone, 0)
	}
	return nil
}

func (f *FSM) applySaveTeam(id string, data []byte, index uint64) error {
	var t Team
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to unmarshal team data: %w", err)
	}
	if t.ID != id {
		return fmt.Errorf("team data has id %s, want %s", t.ID, id)
	}
	t.normalize()

	if existing, err := f.ts.LoadTeam(id); err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}
	if index > 0 {
		t.LastRaftIndex = index
	}
	if err := f.ts.SaveTeam(&t); err != nil {
		return err
	}
	f.r.UpdateTeam(t.Metadata())
	return nil
}

func (f *FSM) applyDeleteTeam(id string, index uint64) error {
	existing, err := f.ts.LoadTeam(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if index > 0 && index <= existing.LastRaftIndex {
		return nil
	}
	if err := f.ts.DeleteTeam(id); err != nil {
		return err
	}
	f.r.DeleteTeam(id)
	return nil
}

func (f *FSM) applyUpdateAccessPolicy(policy *UserAccessPolicy) error {
	if f.storage != nil {
		if err := SaveAccessPolicy(f.storage, policy); err != nil {
			return fmt.Errorf("failed to save access policy: %w", err)
		}
	}
	f.r.UpdateAccessPolicy(policy)
	return nil
}

func (f *FSM) applyCommand(cmd RaftCommand, index uint64) any {
	if err := cmd.check(); err != nil {
		return err
	}
	switch cmd.Type {
	case CmdSaveMatch:
		return f.applySaveMatch(cmd.ID, *cmd.MatchData, index, cmd.Force)
	case CmdApplyAction:
		return f.applyActions(cmd.Action, index)
	case CmdDeleteMatch:
		return f.applyDeleteMatch(cmd.ID, index)
	case CmdSaveTeam:
		return f.applySaveTeam(cmd.ID, *cmd.TeamData, index)
	case CmdDeleteTeam:
		return f.applyDeleteTeam(cmd.ID, index)
	case CmdNodeMeta:
		f.peers.put(cmd.NodeMeta)
		f.peers.save()
		// Seeing another node, or our own entry on the bootstrap node,
		// means the replica is in sync with the cluster.
		if f.rm != nil && (cmd.NodeMeta.NodeID != f.rm.NodeID || f.rm.Bootstrap) {
			f.setInitialized()
		}
		return nil
	case CmdNodeLeft:
		f.peers.remove(cmd.NodeMeta.NodeID)
		f.peers.save()
		return nil
	case CmdUpdateAccessPolicy:
		return f.applyUpdateAccessPolicy(cmd.PolicyData)
	}
	return fmt.Errorf("unknown command type: %s", cmd.Type)
}

// FSMSnapshot represents a snapshot of the FSM state.
type FSMSnapshot struct {
	fsm *FSM
}

// Persist saves the snapshot to the given sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.fsm.persist(sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release releases the snapshot.
func (s *FSMSnapshot) Release() {}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	// Flush all dirty state to disk so the snapshotter reads fresh data
	if err := f.FlushAll(); err != nil {
		log.Printf("FSM Snapshot Error: flushing failed: %v", err)
		return nil, err
	}

	state := map[string]any{
		"lastAppliedIndex": f.LastAppliedIndex(),
		"timestamp":        time.Now().UnixNano(),
	}
	if f.storage != nil {
		if err := f.storage.SaveDataFile("fsm_state.json", state); err != nil {
			log.Printf("Warning: failed to save fsm_state.json: %v", err)
		}
	}
	return &FSMSnapshot{fsm: f}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	if err := f.restore(rc); err != nil {
		return err
	}
	f.r.Rebuild()
	f.hm.Clear()
	return nil
}

// FlushAll persists every dirty match.
func (f *FSM) FlushAll() error {
	return f.ms.FlushAll()
}
