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
	"maps"
	"os"
	"sync"

	"github.com/c2FmZQ/storage"
)

const nodesFile = "nodes.json"

// nodeDirectory maps node ids to the metadata they announced through the
// log. It is kept in nodes.json so a restarted node can reach its peers
// before replaying.
type nodeDirectory struct {
	storage *storage.Storage // may be nil

	mu    sync.RWMutex
	nodes map[string]*NodeMeta
}

func newNodeDirectory(s *storage.Storage) *nodeDirectory {
	d := &nodeDirectory{storage: s, nodes: make(map[string]*NodeMeta)}
	if s == nil {
		return d
	}
	if err := s.ReadDataFile(nodesFile, &d.nodes); err != nil && !os.IsNotExist(err) {
		log.Printf("FSM Error: failed to read %s: %v", nodesFile, err)
	}
	if d.nodes == nil {
		d.nodes = make(map[string]*NodeMeta)
	}
	return d
}

func (d *nodeDirectory) save() {
	if d.storage == nil {
		return
	}
	if err := d.storage.SaveDataFile(nodesFile, d.all()); err != nil {
		log.Printf("FSM Error: failed to save %s: %v", nodesFile, err)
	}
}

func (d *nodeDirectory) put(meta *NodeMeta) {
	if meta == nil || meta.NodeID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[meta.NodeID] = meta
}

func (d *nodeDirectory) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, id)
}

func (d *nodeDirectory) get(id string) *NodeMeta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nodes[id]
}

func (d *nodeDirectory) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// all returns a copy of the directory.
func (d *nodeDirectory) all() map[string]*NodeMeta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.nodes)
}
