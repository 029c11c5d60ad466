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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ttbt-io/wicketkeeper/backend/scoring"
)

const (
	testOwner = "owner@example.com"
	testAdmin = "admin@example.com"
	testOther = "eve@example.com"
)

type testServer struct {
	*httptest.Server
	env *testEnv
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	env := newTestEnv(t)
	_, handler := NewServerHandler(Options{
		DataDir:        env.dir,
		MatchStore:     env.ms,
		TeamStore:      env.ts,
		Storage:        env.s,
		Registry:       env.r,
		UseMockAuth:    true,
		BootstrapAdmin: testAdmin,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, env: env}
}

// do sends an HTTP request as user, who may be empty for anonymous.
func (s *testServer) do(t *testing.T, method, path, user string, body any, header ...string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.AddCookie(&http.Cookie{Name: mockAuthCookie, Value: user})
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

// createMatch starts a match owned by owner and returns the ACK.
func (s *testServer) createMatch(t *testing.T, matchID, owner string) Message {
	t.Helper()
	resp, data := s.do(t, http.MethodPost, "/api/matches", owner, startPayload(matchID, owner))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create match: %d %s", resp.StatusCode, data)
	}
	var ack Message
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != MsgTypeAck || ack.Revision == "" {
		t.Fatalf("create match reply = %s", data)
	}
	return ack
}

// sendActions posts a batch built on base and returns the status and reply.
func (s *testServer) sendActions(t *testing.T, matchID, user, base string, actions ...json.RawMessage) (int, Message) {
	t.Helper()
	resp, data := s.do(t, http.MethodPost, "/api/action", user, Message{
		Type:         MsgTypeAction,
		MatchId:      matchID,
		BaseRevision: base,
		Actions:      actions,
	})
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("reply %d %q: %v", resp.StatusCode, data, err)
	}
	return resp.StatusCode, msg
}

func (s *testServer) loadMatch(t *testing.T, matchID string) *MatchDocument {
	t.Helper()
	resp, data := s.do(t, http.MethodGet, "/api/matches/"+matchID, testOwner, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("load match: %d %s", resp.StatusCode, data)
	}
	var doc MatchDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	return &doc
}

func (s *testServer) dial(t *testing.T, matchID, user string) *websocket.Conn {
	t.Helper()
	u, _ := url.Parse(s.URL)
	u.Scheme = "ws"
	u.Path = "/api/ws"
	u.RawQuery = url.Values{"matchId": {matchID}}.Encode()

	header := http.Header{}
	if user != "" {
		header.Set("Cookie", mockAuthCookie+"="+user)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
		if msg.Type == MsgTypeError {
			t.Fatalf("waiting for %s, got error %q", typ, msg.Error)
		}
	}
}

func joinMatch(t *testing.T, conn *websocket.Conn, matchID, lastRevision string) {
	t.Helper()
	if err := conn.WriteJSON(Message{Type: MsgTypeJoin, MatchId: matchID, LastRevision: lastRevision}); err != nil {
		t.Fatal(err)
	}
}

func TestHubLiveUpdates(t *testing.T) {
	s := newTestServer(t)
	matchID := uuid.NewString()
	start := s.createMatch(t, matchID, testOwner)

	umpire := s.dial(t, matchID, testOwner)
	joinMatch(t, umpire, matchID, start.Revision)
	if ack := readUntil(t, umpire, MsgTypeAck); ack.Revision != start.Revision || len(ack.State) == 0 {
		t.Fatalf("join ack = %+v", ack)
	}

	viewer := s.dial(t, matchID, testOwner)
	joinMatch(t, viewer, matchID, "")
	readUntil(t, viewer, MsgTypeAck)

	batch := setPlayers(t, "a1", "a2", "b11")
	if err := umpire.WriteJSON(Message{Type: MsgTypeAction, MatchId: matchID, BaseRevision: start.Revision, Actions: batch}); err != nil {
		t.Fatal(err)
	}
	ack := readUntil(t, umpire, MsgTypeAck)
	if want := actionID(t, batch[2]); ack.Revision != want {
		t.Errorf("ack revision = %s, want %s", ack.Revision, want)
	}

	update := readUntil(t, viewer, MsgTypeUpdate)
	if len(update.Actions) != 3 || update.Revision != ack.Revision {
		t.Fatalf("update = %+v", update)
	}
	var m scoring.Match
	if err := json.Unmarshal(update.State, &m); err != nil {
		t.Fatal(err)
	}
	if cur := m.Current(); cur.StrikerID != "a1" || cur.NonStrikerID != "a2" || cur.BowlerID != "b11" {
		t.Errorf("state after update = %+v", cur)
	}

	// HTTP actions reach WebSocket viewers too.
	if code, msg := s.sendActions(t, matchID, testOwner, ack.Revision, delivery(t, 4)); code != http.StatusOK {
		t.Fatalf("delivery: %d %+v", code, msg)
	}
	update = readUntil(t, viewer, MsgTypeUpdate)
	if err := json.Unmarshal(update.State, &m); err != nil {
		t.Fatal(err)
	}
	if m.Current().Score != 4 {
		t.Errorf("score after four = %d", m.Current().Score)
	}
}

func TestHubJoinResync(t *testing.T) {
	s := newTestServer(t)
	matchID := uuid.NewString()
	start := s.createMatch(t, matchID, testOwner)

	batch := append(setPlayers(t, "a1", "a2", "b11"), delivery(t, 1))
	if code, msg := s.sendActions(t, matchID, testOwner, start.Revision, batch...); code != http.StatusOK {
		t.Fatalf("actions: %d %+v", code, msg)
	}

	conn := s.dial(t, matchID, testOwner)
	joinMatch(t, conn, matchID, start.Revision)
	resync := readUntil(t, conn, MsgTypeSyncUpdate)
	if len(resync.Actions) != len(batch) || resync.Revision != actionID(t, batch[len(batch)-1]) {
		t.Errorf("sync = %d actions at %s", len(resync.Actions), resync.Revision)
	}

	stranger := s.dial(t, matchID, testOwner)
	joinMatch(t, stranger, matchID, uuid.NewString())
	if c := readUntil(t, stranger, MsgTypeConflict); c.BaseRevision != resync.Revision {
		t.Errorf("conflict = %+v", c)
	}
}

func TestHubReconcile(t *testing.T) {
	s := newTestServer(t)
	matchID := uuid.NewString()
	start := s.createMatch(t, matchID, testOwner)

	batch := setPlayers(t, "a1", "a2", "b11")
	if code, msg := s.sendActions(t, matchID, testOwner, start.Revision, batch...); code != http.StatusOK {
		t.Fatalf("first send: %d %+v", code, msg)
	}

	// A retry of the same batch is acknowledged without being applied twice.
	code, msg := s.sendActions(t, matchID, testOwner, start.Revision, batch...)
	if code != http.StatusOK || msg.Type != MsgTypeAck {
		t.Fatalf("retry: %d %+v", code, msg)
	}
	if n := len(s.loadMatch(t, matchID).ActionLog); n != 4 {
		t.Fatalf("log has %d actions after retry, want 4", n)
	}

	// Only the unapplied tail of a longer batch is applied.
	longer := append(append([]json.RawMessage{}, batch...), delivery(t, 2))
	if code, msg := s.sendActions(t, matchID, testOwner, start.Revision, longer...); code != http.StatusOK {
		t.Fatalf("longer batch: %d %+v", code, msg)
	}
	doc := s.loadMatch(t, matchID)
	if len(doc.ActionLog) != 5 || doc.Current().Score != 2 {
		t.Fatalf("log has %d actions, score %d", len(doc.ActionLog), doc.Current().Score)
	}

	code, msg = s.sendActions(t, matchID, testOwner, uuid.NewString(), delivery(t, 1))
	if code != http.StatusConflict || msg.Type != MsgTypeConflict || msg.Error != "Base revision not found" {
		t.Errorf("unknown base: %d %+v", code, msg)
	}
	if msg.BaseRevision != doc.Revision() {
		t.Errorf("conflict base = %s, want %s", msg.BaseRevision, doc.Revision())
	}

	code, msg = s.sendActions(t, matchID, testOwner, start.Revision, delivery(t, 6))
	if code != http.StatusConflict || msg.Error != "History divergence" {
		t.Errorf("divergent batch: %d %+v", code, msg)
	}
}

func TestHubRejectsBatchAtomically(t *testing.T) {
	s := newTestServer(t)
	matchID := uuid.NewString()
	start := s.createMatch(t, matchID, testOwner)

	// The delivery is invalid before a bowler is set.
	batch := []json.RawMessage{
		newAction(t, ActionSetPlayer, SetPlayerPayload{Role: scoring.RoleStriker, PlayerID: "a1"}),
		delivery(t, 1),
	}
	code, msg := s.sendActions(t, matchID, testOwner, start.Revision, batch...)
	if code != http.StatusUnprocessableEntity || msg.Type != MsgTypeError {
		t.Fatalf("invalid batch: %d %+v", code, msg)
	}
	if n := len(s.loadMatch(t, matchID).ActionLog); n != 1 {
		t.Errorf("rejected batch left %d actions in the log", n)
	}
}

func TestHubAccess(t *testing.T) {
	s := newTestServer(t)
	matchID := uuid.NewString()
	start := s.createMatch(t, matchID, testOwner)

	if resp, _ := s.do(t, http.MethodGet, "/api/matches/"+matchID, testOther, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("load by stranger: %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodGet, "/api/matches/"+matchID, "", nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("anonymous load: %d", resp.StatusCode)
	}
	if code, _ := s.sendActions(t, matchID, testOther, start.Revision, delivery(t, 1)); code != http.StatusForbidden {
		t.Errorf("action by stranger: %d", code)
	}
	if resp, _ := s.do(t, http.MethodPost, "/api/action", "", Message{Type: MsgTypeAction, MatchId: matchID}); resp.StatusCode != http.StatusForbidden {
		t.Errorf("anonymous action: %d", resp.StatusCode)
	}

	conn := s.dial(t, matchID, testOther)
	joinMatch(t, conn, matchID, "")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != MsgTypeError {
		t.Errorf("join by stranger = %+v, %v", msg, err)
	}

	// Granting read access through a metadata update opens the match.
	grant := newAction(t, ActionMatchMetadataUpdate, map[string]any{
		"permissions": Permissions{Public: PermissionNone, Users: map[string]string{testOther: PermissionRead}},
	})
	if code, msg := s.sendActions(t, matchID, testOwner, start.Revision, grant); code != http.StatusOK {
		t.Fatalf("grant: %d %+v", code, msg)
	}
	if resp, _ := s.do(t, http.MethodGet, "/api/matches/"+matchID, testOther, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("load by reader: %d", resp.StatusCode)
	}
	if code, _ := s.sendActions(t, matchID, testOther, "", delivery(t, 1)); code != http.StatusForbidden {
		t.Errorf("action by reader: %d", code)
	}
}

func TestHubUnknownMatch(t *testing.T) {
	s := newTestServer(t)
	matchID := uuid.NewString()

	code, msg := s.sendActions(t, matchID, testOwner, "", delivery(t, 1))
	if code != http.StatusConflict || msg.Type != MsgTypeConflict {
		t.Errorf("action on unknown match: %d %+v", code, msg)
	}
	if resp, _ := s.do(t, http.MethodGet, "/api/matches/"+matchID, testOwner, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("load unknown match: %d", resp.StatusCode)
	}

	// The start payload must create the match it is sent to.
	wrong := newAction(t, ActionMatchStart, startPayload(uuid.NewString(), testOwner))
	if code, _ := s.sendActions(t, matchID, testOwner, "", wrong); code != http.StatusBadRequest {
		t.Errorf("mismatched start: %d", code)
	}

	// A client that joins before the match exists is sent updates once it
	// creates it.
	conn := s.dial(t, matchID, testOwner)
	joinMatch(t, conn, matchID, "")
	readUntil(t, conn, MsgTypeAck)
	if err := conn.WriteJSON(Message{Type: MsgTypeAction, MatchId: matchID, Actions: []json.RawMessage{newAction(t, ActionMatchStart, startPayload(matchID, testOwner))}}); err != nil {
		t.Fatal(err)
	}
	created := readUntil(t, conn, MsgTypeAck)
	if code, _ := s.sendActions(t, matchID, testOwner, created.Revision, setPlayers(t, "a1", "a2", "b11")...); code != http.StatusOK {
		t.Fatalf("set players: %d", code)
	}
	if u := readUntil(t, conn, MsgTypeUpdate); len(u.Actions) != 3 {
		t.Errorf("update = %+v", u)
	}
}

func TestHubDelete(t *testing.T) {
	s := newTestServer(t)
	matchID := uuid.NewString()
	start := s.createMatch(t, matchID, testOwner)

	conn := s.dial(t, matchID, testOwner)
	joinMatch(t, conn, matchID, start.Revision)
	readUntil(t, conn, MsgTypeAck)

	if resp, _ := s.do(t, http.MethodDelete, "/api/matches/"+matchID, testOther, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("delete by stranger: %d", resp.StatusCode)
	}
	if resp, data := s.do(t, http.MethodDelete, "/api/matches/"+matchID, testOwner, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d %s", resp.StatusCode, data)
	}
	readUntil(t, conn, MsgTypeDeleted)

	if resp, _ := s.do(t, http.MethodGet, "/api/matches/"+matchID, testOwner, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("load deleted match: %d", resp.StatusCode)
	}
	if code, _ := s.sendActions(t, matchID, testOwner, start.Revision, delivery(t, 1)); code != http.StatusGone {
		t.Errorf("action on deleted match: %d", code)
	}
	if !s.env.r.IsMatchDeleted(matchID) {
		t.Error("registry has no tombstone")
	}
}
