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
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/raft"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// Maximum number of actions in one request.
	maxBatchSize = 100

	hubIdleTimeout = 5 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Message types for WebSocket communication
const (
	MsgTypeJoin       = "JOIN"
	MsgTypeAck        = "ACK"
	MsgTypeAction     = "ACTION"
	MsgTypeUpdate     = "UPDATE"
	MsgTypeSyncUpdate = "SYNC_UPDATE"
	MsgTypeConflict   = "CONFLICT"
	MsgTypeError      = "ERROR"
	MsgTypeDeleted    = "DELETED"
	MsgTypePing       = "PING"
	MsgTypePong       = "PONG"
)

// Message is the envelope of every umpire and spectator exchange, over
// WebSocket or HTTP.
type Message struct {
	Type         string            `json:"type"`
	MatchId      string            `json:"matchId,omitempty"`
	LastRevision string            `json:"lastRevision,omitempty"`
	BaseRevision string            `json:"baseRevision,omitempty"`
	Revision     string            `json:"revision,omitempty"`
	Action       json.RawMessage   `json:"action,omitempty"`
	Actions      []json.RawMessage `json:"actions,omitempty"`
	State        json.RawMessage   `json:"state,omitempty"`
	Error        string            `json:"error,omitempty"`

	// code is the HTTP status returned to HTTP callers.
	code int
}

func errorMessage(code int, format string, args ...any) *Message {
	return &Message{Type: MsgTypeError, Error: fmt.Sprintf(format, args...), code: code}
}

// batch returns the actions carried by m.
func (m *Message) batch() []json.RawMessage {
	if len(m.Actions) > 0 {
		return m.Actions
	}
	if len(m.Action) > 0 {
		return []json.RawMessage{m.Action}
	}
	return nil
}

// HubRequest types
const (
	ReqTypeWSJoin     = "WS_JOIN"
	ReqTypeWSAction   = "WS_ACTION"
	ReqTypeHTTPLoad   = "HTTP_LOAD"
	ReqTypeHTTPAction = "HTTP_ACTION"
	ReqTypeHTTPDelete = "HTTP_DELETE"
	ReqTypeBroadcast  = "BROADCAST"
	ReqTypeReload     = "RELOAD"
)

// HubRequest represents a request to the Hub
type HubRequest struct {
	Type       string
	Client     *wsClient        // For WS requests
	UserId     string           // For HTTP requests
	Headers    http.Header      // For forwarding cookies/auth
	Message    Message          // For WS/HTTP requests
	Payload    []byte           // For Broadcast
	NumActions int              // For Broadcast: number of new actions at the end of the log
	Reply      chan HubResponse // For HTTP requests
}

// HubResponse represents a response from the Hub
type HubResponse struct {
	Data   []byte
	Status int
	Error  error
}

// Hub serializes every read and write of one match. It owns the in-memory
// document and the WebSocket clients watching it.
type Hub struct {
	matchId string

	// Registered clients. The value is true once the client has joined.
	clients map[*wsClient]bool

	// Inbound requests
	requests chan HubRequest

	// Register requests from the clients.
	register chan *wsClient

	// Unregister requests from clients.
	unregister chan *wsClient

	// done is closed when the hub stops.
	done chan struct{}

	doc *MatchDocument

	ms *MatchStore
	ts *TeamStore
	r  *Registry
	hm *HubManager
	rm *RaftManager
}

func newHub(id string, hm *HubManager) *Hub {
	return &Hub{
		matchId:    id,
		requests:   make(chan HubRequest, 64), // Buffered to prevent dropping FSM updates
		register:   make(chan *wsClient, 16),
		unregister: make(chan *wsClient, 16),
		done:       make(chan struct{}),
		clients:    make(map[*wsClient]bool),
		ms:         hm.ms,
		ts:         hm.ts,
		r:          hm.r,
		hm:         hm,
		rm:         hm.rm,
	}
}

func (h *Hub) run() {
	defer close(h.done)
	idleTimer := time.NewTicker(hubIdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = false
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case req := <-h.requests:
			if req.Client != nil {
				if _, ok := h.clients[req.Client]; !ok {
					continue
				}
			}
			if req.Type == ReqTypeReload {
				h.doc = nil
				continue
			}
			if req.Type == ReqTypeBroadcast {
				h.handleBroadcast(req.Payload, req.NumActions)
				continue
			}
			if !h.ensureLoaded(req) {
				continue
			}

			switch req.Type {
			case ReqTypeWSJoin:
				h.handleWSJoin(req.Client, req.Message)
			case ReqTypeWSAction, ReqTypeHTTPAction:
				h.handleAction(req)
			case ReqTypeHTTPLoad:
				h.handleHTTPLoad(req)
			case ReqTypeHTTPDelete:
				h.handleHTTPDelete(req)
			}
		case <-idleTimer.C:
			if len(h.clients) == 0 && h.hm.removeIdle(h) {
				return
			}
		}
	}
}

func (h *Hub) ensureLoaded(req HubRequest) bool {
	if h.doc != nil {
		return true
	}
	doc, err := h.ms.LoadMatch(h.matchId)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Hub: Error loading match %s: %v", h.matchId, err)
			h.respond(req, errorMessage(http.StatusInternalServerError, "Server error loading match"))
			return false
		}
		doc = &MatchDocument{}
		doc.ID = h.matchId
		doc.normalize()
	}
	h.doc = doc
	return true
}

func (h *Hub) exists() bool {
	return h.doc.OwnerID != "" || len(h.doc.ActionLog) > 0
}

func (h *Hub) deleted() bool {
	return h.doc.Status == StatusDeleted
}

func (h *Hub) accessLevel(userId string) AccessLevel {
	return GetMatchAccess(userId, h.doc.Metadata(), h.r)
}

// state is the engine view of the match, without the action log.
func (h *Hub) state() json.RawMessage {
	b, err := json.Marshal(h.doc.Match)
	if err != nil {
		log.Printf("Hub: failed to marshal state of match %s: %v", h.matchId, err)
		return nil
	}
	return b
}

// respond delivers msg to the client or HTTP caller behind req.
func (h *Hub) respond(req HubRequest, msg *Message) {
	if msg.MatchId == "" {
		msg.MatchId = h.matchId
	}
	if req.Client != nil {
		req.Client.sendJSON(*msg)
	}
	if req.Reply != nil {
		status := msg.code
		if status == 0 {
			status = http.StatusOK
		}
		data, err := json.Marshal(msg)
		req.Reply <- HubResponse{Data: data, Status: status, Error: err}
	}
}

func (h *Hub) handleBroadcast(data []byte, numActions int) {
	var doc MatchDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("handleBroadcast: Error unmarshaling match data: %v", err)
		return
	}
	doc.normalize()
	h.doc = &doc

	if doc.Status == StatusDeleted {
		h.broadcast(Message{Type: MsgTypeDeleted, MatchId: h.matchId})
		return
	}
	if numActions <= 0 || len(doc.ActionLog) == 0 {
		return
	}
	numActions = min(numActions, len(doc.ActionLog))
	h.broadcast(Message{
		Type:     MsgTypeUpdate,
		MatchId:  h.matchId,
		Actions:  doc.ActionLog[len(doc.ActionLog)-numActions:],
		Revision: doc.Revision(),
		State:    h.state(),
	})
}

func (h *Hub) handleWSJoin(c *wsClient, msg Message) {
	if h.deleted() {
		c.sendJSON(Message{Type: MsgTypeDeleted, MatchId: h.matchId})
		return
	}
	if !h.exists() {
		if msg.LastRevision != "" {
			log.Printf("Conflict: Client joining match %s with revision %s, but match empty on server", h.matchId, msg.LastRevision)
			c.sendJSON(Message{Type: MsgTypeConflict, MatchId: h.matchId, Error: "Match not found on server"})
			return
		}
		// The client joins once it creates the match.
		c.sendJSON(Message{Type: MsgTypeAck, MatchId: h.matchId})
		return
	}
	if h.accessLevel(c.userId) < AccessRead {
		log.Printf("Forbidden: User %s attempted to join match %s without permissions", maskEmail(c.userId), h.matchId)
		c.sendJSON(Message{Type: MsgTypeError, MatchId: h.matchId, Error: "Forbidden: You do not have access to this match"})
		return
	}
	h.clients[c] = true

	rev := h.doc.Revision()
	if msg.LastRevision == "" || msg.LastRevision == rev {
		c.sendJSON(Message{Type: MsgTypeAck, MatchId: h.matchId, Revision: rev, State: h.state()})
		return
	}
	missing, ok := getActionsSince(h.doc.ActionLog, msg.LastRevision)
	if !ok {
		c.sendJSON(Message{Type: MsgTypeConflict, MatchId: h.matchId, Error: "Client history is divergent from server", BaseRevision: rev})
		return
	}
	c.sendJSON(Message{Type: MsgTypeSyncUpdate, MatchId: h.matchId, Actions: missing, Revision: rev, State: h.state()})
}

func (h *Hub) handleAction(req HubRequest) {
	start := time.Now()
	response, broadcasts, err := h.processAction(req.Message, req.UserId)
	if errors.Is(err, ErrNotLeader) {
		if req.Client != nil {
			h.forwardClientAction(req)
			return
		}
		h.forwardToLeader(req)
		return
	}
	if err != nil {
		log.Printf("Hub: action on match %s failed: %v", h.matchId, err)
		response = errorMessage(http.StatusInternalServerError, "Server error: %v", err)
	}

	for _, b := range broadcasts {
		h.broadcast(b)
	}
	applied := 0
	for _, b := range broadcasts {
		applied += len(b.Actions)
	}
	h.hm.stats.Record(response.Type, time.Since(start), applied, start)
	if req.Client != nil && response.Type == MsgTypeAck && h.exists() {
		h.clients[req.Client] = true
	}
	h.respond(req, response)
}

// forwardClientAction relays a WebSocket action to the leader and sends the
// leader's answer back over the socket.
func (h *Hub) forwardClientAction(req HubRequest) {
	reply := make(chan HubResponse, 1)
	fwd := req
	fwd.Client = nil
	fwd.Reply = reply
	h.forwardToLeader(fwd)
	resp := <-reply

	var msg Message
	if resp.Error != nil {
		msg = *errorMessage(http.StatusBadGateway, "Forwarding to leader failed: %v", resp.Error)
	} else if err := json.Unmarshal(resp.Data, &msg); err != nil {
		msg = *errorMessage(http.StatusBadGateway, "Malformed leader response")
	}
	req.Client.sendJSON(msg)
}

func (h *Hub) forwardToLeader(req HubRequest) {
	leaderAddr, err := h.rm.leaderURL()
	if err != nil {
		req.Reply <- HubResponse{Status: http.StatusServiceUnavailable, Error: err}
		return
	}

	msg := req.Message
	msg.MatchId = h.matchId
	body, _ := json.Marshal(msg)
	forwardReq, err := http.NewRequest(http.MethodPost, leaderAddr+"/api/cluster/action", bytes.NewReader(body))
	if err != nil {
		req.Reply <- HubResponse{Status: http.StatusInternalServerError, Error: err}
		return
	}

	// Copy authentication and content headers from the original request
	for _, k := range []string{"Cookie", "Authorization"} {
		if v := req.Headers.Get(k); v != "" {
			forwardReq.Header.Set(k, v)
		}
	}
	forwardReq.Header.Set("Content-Type", "application/json")

	h.rm.stampForwarded(forwardReq, req.Headers.Get("X-Raft-Forwarded"))

	resp, err := h.rm.GetHTTPClient().Do(forwardReq)
	if err != nil {
		req.Reply <- HubResponse{Status: http.StatusBadGateway, Error: err}
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err == nil && resp.StatusCode >= 500 {
		err = fmt.Errorf("leader returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	req.Reply <- HubResponse{Data: data, Status: resp.StatusCode, Error: err}
}

// actionErrorStatus maps a rejected action to an HTTP status.
func actionErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrMatchExists), errors.Is(err, ErrMatchNotStarted):
		return http.StatusConflict
	case errors.Is(err, ErrMatchDeleted):
		return http.StatusGone
	case errors.Is(err, ErrUnknownAction):
		return http.StatusBadRequest
	}
	return http.StatusUnprocessableEntity
}

func (h *Hub) processAction(msg Message, userId string) (response *Message, broadcasts []Message, err error) {
	actions := msg.batch()
	if len(actions) == 0 {
		return errorMessage(http.StatusBadRequest, "Missing action"), nil, nil
	}
	if len(actions) > maxBatchSize {
		return errorMessage(http.StatusBadRequest, "Batch size too large (max %d)", maxBatchSize), nil, nil
	}
	if err := ValidateActions(actions); err != nil {
		log.Printf("Invalid actions payload from user %s: %v", maskEmail(userId), err)
		return errorMessage(http.StatusBadRequest, "Malformed actions: %v", err), nil, nil
	}
	if h.deleted() {
		return errorMessage(http.StatusGone, "Match was deleted"), nil, nil
	}

	exists := h.exists()
	access := AccessNone
	if exists {
		access = h.accessLevel(userId)
	}

	isStart := false
	for _, raw := range actions {
		var a BaseAction
		json.Unmarshal(raw, &a)

		if a.Type == ActionMatchStart {
			isStart = true
			var p MatchStartPayload
			json.Unmarshal(a.Payload, &p)
			if p.ID != h.matchId {
				return errorMessage(http.StatusBadRequest, "Match ID mismatch"), nil, nil
			}
			if !exists && userId != "" && normalizeEmail(p.OwnerID) == normalizeEmail(userId) {
				if err := h.hm.checkMatchQuota(userId); err != nil {
					return errorMessage(http.StatusForbidden, "Forbidden: %v", err), nil, nil
				}
				// Elevate for the rest of the batch.
				access = AccessAdmin
			}
		}

		need := AccessWrite
		if a.Type == ActionMatchMetadataUpdate {
			need = AccessAdmin
		}
		if access < need {
			log.Printf("Forbidden: User %s attempted to write action %s to match %s", maskEmail(userId), a.Type, h.matchId)
			switch {
			case userId == "":
				return errorMessage(http.StatusUnauthorized, "Unauthenticated: Login required"), nil, nil
			case need == AccessAdmin:
				return errorMessage(http.StatusForbidden, "Forbidden: Only match admins can update match metadata"), nil, nil
			}
			return errorMessage(http.StatusForbidden, "Forbidden: You do not have write access to this match"), nil, nil
		}
	}

	if !exists && !isStart {
		log.Printf("Conflict: User %s sending action for non-existent match %s", maskEmail(userId), h.matchId)
		return &Message{Type: MsgTypeConflict, Error: "Match not found on server", code: http.StatusConflict}, nil, nil
	}

	// With Raft, the local cache may be stale unless this node leads.
	if h.rm != nil && h.rm.Raft.State() != raft.Leader {
		return nil, nil, ErrNotLeader
	}

	actions, response = h.reconcile(msg.BaseRevision, actions, userId)
	if response != nil {
		return response, nil, nil
	}

	if h.rm != nil {
		cmd := RaftCommand{
			Type:   CmdApplyAction,
			ID:     h.matchId,
			Action: &ActionPayload{MatchID: h.matchId, Actions: actions, UserID: userId},
		}
		if _, err := h.rm.Propose(cmd); err != nil {
			var ae *ApplyError
			if errors.As(err, &ae) {
				return errorMessage(actionErrorStatus(ae.Err), "Action rejected: %v", ae.Err), nil, nil
			}
			return nil, nil, err
		}
		// The FSM has saved the match and queued the broadcast.
		if doc, err := h.ms.LoadMatch(h.matchId); err == nil {
			h.doc = doc
		}
		return &Message{Type: MsgTypeAck, Revision: h.doc.Revision(), State: h.state()}, nil, nil
	}

	// Apply to a clone so a rejected batch leaves no trace.
	clone := h.doc.Clone()
	changed, err := ApplyActions(clone, actions, h.ts)
	if err != nil {
		return errorMessage(actionErrorStatus(err), "Action rejected: %v", err), nil, nil
	}
	if !changed {
		return &Message{Type: MsgTypeAck, Revision: h.doc.Revision(), State: h.state()}, nil, nil
	}
	if err := h.ms.SaveMatch(clone); err != nil {
		log.Printf("Hub: failed to save match %s: %v", h.matchId, err)
		return errorMessage(http.StatusInternalServerError, "Server error saving action"), nil, nil
	}

	h.doc = clone
	h.r.UpdateMatch(clone.Metadata())
	h.hm.publish(clone, len(actions))

	rev, state := clone.Revision(), h.state()
	update := Message{Type: MsgTypeUpdate, MatchId: h.matchId, Actions: actions, Revision: rev, State: state}
	return &Message{Type: MsgTypeAck, Revision: rev, State: state}, []Message{update}, nil
}

func logActionID(raw json.RawMessage) string {
	var a struct {
		ID string `json:"id"`
	}
	json.Unmarshal(raw, &a)
	return a.ID
}

// reconcile checks the client's base revision against the server log. A
// batch built on an older revision is accepted only if it starts by
// replaying the server log after that revision; the replayed prefix is
// dropped. It returns the actions still to apply, or the response to send.
func (h *Hub) reconcile(base string, actions []json.RawMessage, userId string) ([]json.RawMessage, *Message) {
	rev := h.doc.Revision()
	if len(h.doc.ActionLog) == 0 || base == rev {
		return actions, nil
	}

	// Attempt reload from disk to clear stale cache
	if doc, err := h.ms.LoadMatch(h.matchId); err == nil {
		h.doc = doc
		rev = doc.Revision()
	}
	serverLog := h.doc.ActionLog
	if len(serverLog) == 0 || base == rev {
		return actions, nil
	}

	start := 0
	if base != "" {
		start = -1
		for i := len(serverLog) - 1; i >= 0; i-- {
			if logActionID(serverLog[i]) == base {
				start = i + 1
				break
			}
		}
		if start < 0 {
			log.Printf("Conflict: Base revision %s not found in log (Head: %s) for user %s", base, rev, maskEmail(userId))
			return nil, &Message{Type: MsgTypeConflict, Error: "Base revision not found", BaseRevision: rev, code: http.StatusConflict}
		}
	}

	n := 0
	for start+n < len(serverLog) && n < len(actions) {
		if logActionID(serverLog[start+n]) != logActionID(actions[n]) {
			return nil, &Message{Type: MsgTypeConflict, Error: "History divergence", BaseRevision: rev, code: http.StatusConflict}
		}
		n++
	}
	if n == len(actions) {
		// Everything was already applied.
		return nil, &Message{Type: MsgTypeAck, Revision: rev, State: h.state()}
	}
	return actions[n:], nil
}

func (h *Hub) broadcast(msg Message) {
	for client, joined := range h.clients {
		if !joined {
			continue
		}
		select {
		case client.send <- msg:
		default:
			// Slow client. Dropping the connection makes it rejoin and resync.
			delete(h.clients, client)
			client.conn.Close()
		}
	}
}

func (h *Hub) handleHTTPLoad(req HubRequest) {
	if !h.exists() || h.deleted() {
		h.respond(req, errorMessage(http.StatusNotFound, "Match not found"))
		return
	}
	if h.accessLevel(req.UserId) < AccessRead {
		h.respond(req, errorMessage(http.StatusForbidden, "Forbidden"))
		return
	}
	data, err := json.Marshal(h.doc)
	req.Reply <- HubResponse{Data: data, Status: http.StatusOK, Error: err}
}

func (h *Hub) handleHTTPDelete(req HubRequest) {
	if !h.exists() || h.deleted() {
		h.respond(req, errorMessage(http.StatusNotFound, "Match not found"))
		return
	}
	if h.accessLevel(req.UserId) < AccessAdmin {
		h.respond(req, errorMessage(http.StatusForbidden, "Forbidden: Only match admins can delete a match"))
		return
	}

	if h.rm != nil {
		if _, err := h.rm.Propose(RaftCommand{Type: CmdDeleteMatch, ID: h.matchId}); err != nil {
			req.Reply <- HubResponse{Status: http.StatusInternalServerError, Error: err}
			return
		}
		h.doc = nil
		req.Reply <- HubResponse{Status: http.StatusNoContent}
		return
	}

	if err := h.ms.DeleteMatch(h.matchId); err != nil {
		req.Reply <- HubResponse{Status: http.StatusInternalServerError, Error: err}
		return
	}
	h.r.DeleteMatch(h.matchId)
	h.doc = nil
	if doc, err := h.ms.LoadMatch(h.matchId); err == nil {
		h.doc = doc
		h.hm.publish(doc, 0)
	}
	h.broadcast(Message{Type: MsgTypeDeleted, MatchId: h.matchId})
	req.Reply <- HubResponse{Status: http.StatusNoContent}
}

// HubManager owns the hubs of all active matches.
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.Mutex

	ms    *MatchStore
	ts    *TeamStore
	r     *Registry
	ac    *AccessControl
	rm    *RaftManager
	pub   *StreamPublisher
	stats *ActionStats
}

// NewHubManager creates a HubManager. ac may be nil to disable quotas.
func NewHubManager(ms *MatchStore, ts *TeamStore, r *Registry, ac *AccessControl) *HubManager {
	return &HubManager{
		hubs:  make(map[string]*Hub),
		ms:    ms,
		ts:    ts,
		r:     r,
		ac:    ac,
		stats: NewActionStats(),
	}
}

// Stats returns the action statistics of this node.
func (hm *HubManager) Stats() StatsSnapshot {
	snap := hm.stats.Snapshot()
	hm.mu.Lock()
	snap.ActiveHubs = len(hm.hubs)
	hm.mu.Unlock()
	return snap
}

func (hm *HubManager) SetRaftManager(rm *RaftManager) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rm = rm
}

func (hm *HubManager) SetPublisher(p *StreamPublisher) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.pub = p
}

// getHub returns the hub of a match, starting it if needed. hm.mu must be
// held.
func (hm *HubManager) getHub(id string) *Hub {
	if hub, ok := hm.hubs[id]; ok {
		return hub
	}
	hub := newHub(id, hm)
	hm.hubs[id] = hub
	go hub.run()
	return hub
}

// Send queues req on the hub of match id. It returns false if the hub is
// too busy to accept it.
func (hm *HubManager) Send(id string, req HubRequest) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	select {
	case hm.getHub(id).requests <- req:
		return true
	default:
		return false
	}
}

// Register attaches a WebSocket client to the hub of match id.
func (hm *HubManager) Register(id string, c *wsClient) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hub := hm.getHub(id)
	c.hub = hub
	select {
	case hub.register <- c:
		return true
	default:
		return false
	}
}

// removeIdle removes h if nothing is queued for it. It is called by the hub
// goroutine, which stops when it returns true.
func (hm *HubManager) removeIdle(h *Hub) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if len(h.requests) > 0 || len(h.register) > 0 {
		return false
	}
	if hm.hubs[h.matchId] == h {
		delete(hm.hubs, h.matchId)
	}
	return true
}

// Clear makes every hub reload its match from the store.
func (hm *HubManager) Clear() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for id, hub := range hm.hubs {
		select {
		case hub.requests <- HubRequest{Type: ReqTypeReload}:
		default:
			log.Printf("Warning: Hub channel full, dropping reload for match %s", id)
		}
	}
}

// BroadcastToMatch hands a new version of a match to its hub, if any. The
// hub pushes the last numActions actions to its clients.
func (hm *HubManager) BroadcastToMatch(matchId string, data []byte, numActions int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hub, ok := hm.hubs[matchId]
	if !ok {
		return
	}
	// Never block the caller, which may be the Raft FSM.
	select {
	case hub.requests <- HubRequest{Type: ReqTypeBroadcast, Payload: data, NumActions: numActions}:
	default:
		log.Printf("Warning: Hub channel full, dropping broadcast for match %s", matchId)
	}
}

func (hm *HubManager) publish(doc *MatchDocument, numActions int) {
	hm.mu.Lock()
	pub := hm.pub
	hm.mu.Unlock()
	pub.PublishAsync(NewMatchEvent(doc, numActions))
}

func (hm *HubManager) checkMatchQuota(userId string) error {
	if hm.ac == nil {
		return nil
	}
	return hm.ac.CheckMatchQuota(userId, hm.r.CountOwnedMatches(userId))
}

// wsClient is a middleman between the websocket connection and the hub.
type wsClient struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan Message

	userId  string
	headers http.Header
}

// readPump pumps messages from the websocket connection to the hub.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			break
		}

		var req HubRequest
		switch msg.Type {
		case MsgTypeJoin:
			req = HubRequest{Type: ReqTypeWSJoin, Client: c, Message: msg}
		case MsgTypeAction:
			req = HubRequest{Type: ReqTypeWSAction, Client: c, UserId: c.userId, Headers: c.headers, Message: msg}
		case MsgTypePing:
			c.sendJSON(Message{Type: MsgTypePong})
			continue
		default:
			log.Printf("Unknown message type: %s", msg.Type)
			c.sendJSON(Message{Type: MsgTypeError, Error: "Unknown message type"})
			continue
		}
		select {
		case c.hub.requests <- req:
		case <-c.hub.done:
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) sendJSON(msg Message) {
	select {
	case c.send <- msg:
	default:
		log.Printf("Warning: dropping %s message for slow client of match %s", msg.Type, c.hub.matchId)
	}
}

// ServeWS handles websocket requests from the peer.
func ServeWS(hm *HubManager, w http.ResponseWriter, r *http.Request) {
	userId := getUserID(r)

	matchId := r.URL.Query().Get("matchId")
	if matchId == "" || !isValidUUID(matchId) {
		http.Error(w, "Invalid matchId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan Message, 256), userId: userId, headers: r.Header.Clone()}
	if !hm.Register(matchId, client) {
		conn.WriteJSON(Message{Type: MsgTypeError, MatchId: matchId, Error: "Server is busy"})
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
