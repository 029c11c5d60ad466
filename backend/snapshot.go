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
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"runtime"
	"strings"
	"sync"
)

const (
	snapshotManifestFile = "manifest.json"
	snapshotPolicyFile   = "policy.json"

	maxSnapshotEntry = 10 * 1024 * 1024
)

type snapshotManifest struct {
	NodeMap     map[string]*NodeMeta `json:"nodeMap"`
	Initialized bool                 `json:"initialized"`
	RaftIndex   uint64               `json:"raftIndex"`
}

// persist writes the FSM state as a gzipped tar of JSON files: the manifest,
// one file per match and team, and the access policy.
func (f *FSM) persist(w io.Writer) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	manifest := snapshotManifest{
		NodeMap:     f.peers.all(),
		Initialized: f.initialized.Load(),
		RaftIndex:   f.LastAppliedIndex(),
	}
	manifestBytes, _ := json.Marshal(manifest)
	if err := writeFileToTar(tw, snapshotManifestFile, manifestBytes); err != nil {
		return err
	}

	for doc, err := range f.ms.ListAllMatches() {
		if err != nil {
			return err
		}
		data, err := json.Marshal(doc)
		if err != nil {
			log.Printf("Snapshot Warning: failed to marshal match %s: %v", doc.ID, err)
			continue
		}
		if err := writeFileToTar(tw, "matches/"+url.PathEscape(doc.ID)+".json", data); err != nil {
			return err
		}
	}

	for t, err := range f.ts.ListAllTeams() {
		if err != nil {
			return err
		}
		data, err := json.Marshal(t)
		if err != nil {
			log.Printf("Snapshot Warning: failed to marshal team %s: %v", t.ID, err)
			continue
		}
		if err := writeFileToTar(tw, "teams/"+url.PathEscape(t.ID)+".json", data); err != nil {
			return err
		}
	}

	if p := f.r.GetAccessPolicy(); p != nil {
		data, _ := json.Marshal(p)
		if err := writeFileToTar(tw, snapshotPolicyFile, data); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

// localIndex returns the applied index recorded by the last local snapshot.
func (f *FSM) localIndex() uint64 {
	if f.storage == nil {
		return 0
	}
	var state map[string]any
	if err := f.storage.ReadDataFile("fsm_state.json", &state); err != nil {
		return 0
	}
	if v, ok := state["lastAppliedIndex"].(float64); ok {
		return uint64(v)
	}
	return 0
}

func (f *FSM) restore(rc io.Reader) error {
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	processedMatches := make(map[string]bool)
	processedTeams := make(map[string]bool)
	shouldSkipRestore := false

	// Worker pool for the document writes.
	numWorkers := runtime.NumCPU()
	jobs := make(chan any, numWorkers)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				var err error
				switch v := job.(type) {
				case *MatchDocument:
					err = f.ms.SaveMatch(v)
				case *Team:
					err = f.ts.SaveTeam(v)
				}
				if err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
			}
		}()
	}

	teardown := func() { close(jobs); wg.Wait() }
	submit := func(job any) error {
		select {
		case jobs <- job:
			return nil
		case err := <-errCh:
			return err
		}
	}

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			teardown()
			return err
		}
		if header.Size > maxSnapshotEntry {
			teardown()
			return fmt.Errorf("snapshot entry %s too large: %d bytes", header.Name, header.Size)
		}

		switch {
		case header.Name == snapshotManifestFile:
			var manifest snapshotManifest
			if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
				teardown()
				return err
			}
			for _, meta := range manifest.NodeMap {
				f.peers.put(meta)
			}
			if manifest.Initialized {
				f.setInitialized()
			}
			if f.IsInitialized() && manifest.RaftIndex > 0 {
				if local := f.localIndex(); local >= manifest.RaftIndex {
					log.Printf("Smart Restore: Local state (Index %d) is fresh enough. Skipping.", local)
					shouldSkipRestore = true
				}
			}

		case shouldSkipRestore:

		case strings.HasPrefix(header.Name, "matches/"):
			var doc MatchDocument
			if err := json.NewDecoder(tr).Decode(&doc); err != nil {
				log.Printf("Restore Warning: failed to decode %s: %v", header.Name, err)
				continue
			}
			doc.normalize()
			processedMatches[doc.ID] = true
			if err := submit(&doc); err != nil {
				teardown()
				return err
			}

		case strings.HasPrefix(header.Name, "teams/"):
			var t Team
			if err := json.NewDecoder(tr).Decode(&t); err != nil {
				log.Printf("Restore Warning: failed to decode %s: %v", header.Name, err)
				continue
			}
			t.normalize()
			processedTeams[t.ID] = true
			if err := submit(&t); err != nil {
				teardown()
				return err
			}

		case header.Name == snapshotPolicyFile:
			var p UserAccessPolicy
			if err := json.NewDecoder(tr).Decode(&p); err != nil {
				log.Printf("Restore Warning: failed to decode access policy: %v", err)
				continue
			}
			if err := f.applyUpdateAccessPolicy(&p); err != nil {
				log.Printf("Restore Warning: %v", err)
			}
		}
	}

	teardown()
	select {
	case err := <-errCh:
		return err
	default:
	}

	f.peers.save()
	if shouldSkipRestore {
		return nil
	}

	// Drop documents that are not part of the snapshot.
	docs, _, err := f.ms.scanIDs()
	if err != nil {
		log.Printf("Restore Cleanup Warning: failed to list matches: %v", err)
	}
	for _, id := range docs {
		if !processedMatches[id] {
			f.ms.PurgeMatch(id)
		}
	}
	var stale []string
	for t, err := range f.ts.ListAllTeams() {
		if err != nil {
			log.Printf("Restore Cleanup Warning: failed to list teams: %v", err)
			break
		}
		if !processedTeams[t.ID] {
			stale = append(stale, t.ID)
		}
	}
	for _, id := range stale {
		f.ts.PurgeTeam(id)
	}
	return nil
}

func writeFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name: name,
		Size: int64(len(data)),
		Mode: 0644,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
