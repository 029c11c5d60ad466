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
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/google/uuid"
)

func generateETag(data []byte) string {
	return fmt.Sprintf("\"%x\"", sha256.Sum256(data))
}

func hubBusyResponse(w http.ResponseWriter, retryAfter string) {
	w.Header().Set("Retry-After", retryAfter)
	http.Error(w, "Too Many Requests: Server is busy", http.StatusTooManyRequests)
}

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// listQuery holds the paging, sorting and search parameters of a list
// request.
type listQuery struct {
	Limit  int
	Offset int
	SortBy string
	Order  string
	Search string
}

// parseListQuery reads a listQuery from the URL. Malformed or out of range
// numbers fall back to the defaults.
func parseListQuery(r *http.Request) listQuery {
	v := r.URL.Query()
	q := listQuery{
		Limit:  defaultPageSize,
		SortBy: v.Get("sortBy"),
		Order:  v.Get("order"),
		Search: v.Get("q"),
	}
	if n, err := strconv.Atoi(v.Get("limit")); err == nil && n > 0 {
		q.Limit = min(n, maxPageSize)
	}
	if n, err := strconv.Atoi(v.Get("offset")); err == nil && n > 0 {
		q.Offset = n
	}
	return q
}

// newListResponse returns the page of items selected by q.
func newListResponse[T any](items []T, q listQuery) listResponse[T] {
	data := []T{}
	if q.Offset < len(items) {
		data = items[q.Offset:min(q.Offset+q.Limit, len(items))]
	}
	return listResponse[T]{
		Data: data,
		Meta: listMeta{Total: len(items), Offset: q.Offset, Limit: q.Limit},
	}
}

type listMeta struct {
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type listResponse[T any] struct {
	Data []T      `json:"data"`
	Meta listMeta `json:"meta"`
}

// writeJSONWithETag writes v as JSON, or 304 if the client already has it.
func writeJSONWithETag(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Internal Server Error during JSON Marshal: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeDataWithETag(w, r, data)
}

func writeDataWithETag(w http.ResponseWriter, r *http.Request, data []byte) {
	etag := generateETag(data)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// writeHubResponse copies a hub reply to w.
func writeHubResponse(w http.ResponseWriter, resp HubResponse) {
	if resp.Error != nil {
		status := resp.Status
		if status < 400 {
			status = http.StatusInternalServerError
		}
		log.Printf("Error processing hub request: %v", resp.Error)
		http.Error(w, resp.Error.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if resp.Status != 0 {
		w.WriteHeader(resp.Status)
	}
	w.Write(resp.Data)
}

// Options represent server options.
type Options struct {
	Addr             string
	ClusterAdvertise string
	ClusterAddr      string
	Cert             *tls.Certificate
	DataDir          string
	UseMockAuth      bool
	Debug            bool
	MatchStore       *MatchStore
	TeamStore        *TeamStore
	Storage          *storage.Storage
	MasterKey        crypto.MasterKey
	Registry         *Registry
	Listener         net.Listener

	// Raft Options
	RaftEnabled           bool
	RaftBind              string
	RaftAdvertise         string
	RaftSecret            string
	RaftJoin              string // Cluster API address of a node to join
	RaftBootstrap         bool
	RaftManager           *RaftManager      // Allow injecting pre-configured RaftManager
	RaftManagerChan       chan *RaftManager // For testing: receive the created RaftManager
	UseProductionTimeouts bool              // Set to true to use longer timeouts (e.g. for production)

	// Auth Options
	AuthCookieName string
	AuthJWKSURL    string

	// Access Control Options
	BootstrapAdmin string

	// Publisher receives match events. May be nil.
	Publisher *StreamPublisher
}

const (
	retryAfterLoad   = "2"
	retryAfterSave   = "10"
	retryAfterAction = "5"
)

// Server represents the running server instance.
type Server struct {
	httpServer *http.Server
	raftMgr    *RaftManager
	registry   *Registry
	publisher  *StreamPublisher
}

// Shutdown gracefully shuts down the server and Raft node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.raftMgr != nil {
		if err := s.raftMgr.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("raft: %w", err))
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	// Hubs may have written while connections drained.
	if s.raftMgr != nil && s.raftMgr.FSM != nil {
		if err := s.raftMgr.FSM.FlushAll(); err != nil {
			errs = append(errs, fmt.Errorf("fsm flush: %w", err))
		}
	}
	if s.registry != nil {
		s.registry.StopGC()
	}
	if err := s.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher: %w", err))
	}
	return errors.Join(errs...)
}

// StartServer starts the web server and registers the API handlers.
func StartServer(opts Options) (*Server, error) {
	raftMgr, registry, handler := newServerHandler(opts)

	if raftMgr != nil {
		// Wait for Raft to replay log and catch up to ensure data consistency
		// before starting the public HTTP server.
		if err := raftMgr.WaitForSync(30 * time.Second); err != nil {
			log.Printf("Warning: Raft sync timed out: %v", err)
		}
	}

	httpServer := &http.Server{
		Addr:    opts.Addr,
		Handler: handler,
	}
	if opts.Cert != nil {
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*opts.Cert},
		}
	}

	ln := opts.Listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", opts.Addr); err != nil {
			return nil, err
		}
	}

	go func() {
		var err error
		if httpServer.TLSConfig != nil {
			log.Printf("Starting HTTPS server on %s...", ln.Addr())
			err = httpServer.ServeTLS(ln, "", "")
		} else {
			log.Printf("Starting HTTP server on %s...", ln.Addr())
			err = httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, net.ErrClosed) && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	return &Server{
		httpServer: httpServer,
		raftMgr:    raftMgr,
		registry:   registry,
		publisher:  opts.Publisher,
	}, nil
}

// NewServerHandler creates and configures the HTTP handler for the server.
func NewServerHandler(opts Options) (*RaftManager, http.Handler) {
	raftMgr, _, handler := newServerHandler(opts)
	return raftMgr, handler
}

func newServerHandler(opts Options) (*RaftManager, *Registry, http.Handler) {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}

	if opts.Storage == nil {
		opts.Storage = storage.New(opts.DataDir, opts.MasterKey)
	}

	store := opts.MatchStore
	if store == nil {
		store = NewMatchStore(opts.DataDir, opts.Storage)
	}
	tStore := opts.TeamStore
	if tStore == nil {
		tStore = NewTeamStore(opts.DataDir, opts.Storage)
	}

	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(store, tStore)
	}
	if policy, err := LoadAccessPolicy(opts.Storage); err != nil {
		log.Printf("Warning: failed to load access policy: %v", err)
	} else if policy != nil {
		registry.UpdateAccessPolicy(policy)
	}

	accessControl := NewAccessControl(registry, opts.BootstrapAdmin)

	var raftMgr *RaftManager
	hm := NewHubManager(store, tStore, registry, accessControl)
	hm.SetPublisher(opts.Publisher)

	if opts.RaftEnabled {
		if opts.RaftManager != nil {
			raftMgr = opts.RaftManager
		} else {
			raftDataDir := filepath.Join(opts.DataDir, "raft")
			if err := os.MkdirAll(raftDataDir, 0755); err != nil {
				log.Fatalf("Failed to create Raft data directory: %v", err)
			}
			raftStorage := storage.New(raftDataDir, opts.MasterKey)
			fsm := NewFSM(store, tStore, registry, hm, raftStorage)

			raftMgr = NewRaftManager(raftDataDir, opts.RaftBind, opts.RaftAdvertise, opts.ClusterAdvertise, opts.ClusterAddr, opts.RaftSecret, fsm)
			raftMgr.UseProductionTimeouts = opts.UseProductionTimeouts
			raftMgr.JoinAddr = opts.RaftJoin

			if opts.UseMockAuth {
				raftMgr.AuthMiddleware = func(next http.Handler) http.Handler {
					return mockAuthMiddleware(opts, next)
				}
			} else {
				raftMgr.AuthMiddleware = func(next http.Handler) http.Handler {
					return jwtAuthMiddleware(opts, next)
				}
			}
		}

		if opts.RaftManagerChan != nil {
			go func() { opts.RaftManagerChan <- raftMgr }()
		}
		hm.SetRaftManager(raftMgr)
	}

	debugf := func(string, ...any) {}
	if opts.Debug {
		debugf = func(f string, a ...any) {
			log.Printf("[DEBUG BACKEND] "+f, a...)
		}
	}

	// callHub sends req to the hub of match id and waits for the reply. It
	// returns false if the response was already written.
	callHub := func(w http.ResponseWriter, r *http.Request, id string, req HubRequest, retryAfter string) (HubResponse, bool) {
		reply := make(chan HubResponse, 1)
		req.Reply = reply
		if !hm.Send(id, req) {
			hubBusyResponse(w, retryAfter)
			return HubResponse{}, false
		}
		select {
		case resp := <-reply:
			return resp, true
		case <-r.Context().Done():
			return HubResponse{}, false
		}
	}

	// loadMatch fetches a match through its hub, checking read access.
	loadMatch := func(w http.ResponseWriter, r *http.Request, id string) ([]byte, *MatchDocument, bool) {
		resp, ok := callHub(w, r, id, HubRequest{Type: ReqTypeHTTPLoad, UserId: getUserID(r)}, retryAfterLoad)
		if !ok {
			return nil, nil, false
		}
		if resp.Error != nil || resp.Status != http.StatusOK {
			writeHubResponse(w, resp)
			return nil, nil, false
		}
		var doc MatchDocument
		if err := json.Unmarshal(resp.Data, &doc); err != nil {
			log.Printf("Error unmarshaling match %s: %v", id, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return nil, nil, false
		}
		doc.normalize()
		return resp.Data, &doc, true
	}

	// requireUser returns the authenticated and allowed user, or writes an
	// error.
	requireUser := func(w http.ResponseWriter, r *http.Request) (string, bool) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Unauthenticated", http.StatusForbidden)
			return "", false
		}
		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return "", false
		}
		return userId, true
	}

	// checkAnonymous rejects denied users but lets anonymous readers through.
	checkAnonymous := func(w http.ResponseWriter, r *http.Request) bool {
		if userId := getUserID(r); userId != "" {
			if allowed, msg := accessControl.IsAllowed(userId); !allowed {
				http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
				return false
			}
		}
		return true
	}

	// propose replicates cmd, forwarding the request to the leader when this
	// node is a follower. It returns false if the response was written.
	propose := func(w http.ResponseWriter, r *http.Request, cmd RaftCommand, body []byte) bool {
		if _, err := raftMgr.Propose(cmd); err != nil {
			if errors.Is(err, ErrNotLeader) {
				r.Body = io.NopCloser(bytes.NewReader(body))
				raftMgr.forwardRequestToLeader(w, r)
				return false
			}
			log.Printf("Raft Propose Error: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return false
		}
		return true
	}

	mux := http.NewServeMux()

	// Cluster Join Handler (Public API - Secured by Secret)
	mux.HandleFunc("/api/cluster/join", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleJoin(w, r)
	})
	// Cluster Leave/Remove Handler (Public API - Secured by Secret)
	mux.HandleFunc("/api/cluster/remove", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleRemove(w, r)
	})
	mux.HandleFunc("/api/cluster/status", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
			return
		}
		raftMgr.handleStatus(w, r)
	})
	mux.HandleFunc("/api/cluster/action", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleAction(w, r)
	})

	// Admin API - Get/Update Policy
	mux.HandleFunc("/api/admin/policy", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if !accessControl.IsAdmin(userId) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		switch r.Method {
		case http.MethodGet:
			policy := registry.GetAccessPolicy()
			if policy == nil {
				policy = DefaultAccessPolicy()
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(policy)

		case http.MethodPost:
			var newPolicy UserAccessPolicy
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&newPolicy); err != nil {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}

			// Emails are matched case-insensitively.
			for i, a := range newPolicy.Admins {
				newPolicy.Admins[i] = normalizeEmail(a)
			}

			if err := newPolicy.Validate(); err != nil {
				http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
				return
			}

			if raftMgr != nil {
				body, _ := json.Marshal(newPolicy)
				if !propose(w, r, RaftCommand{Type: CmdUpdateAccessPolicy, PolicyData: &newPolicy}, body) {
					return
				}
			} else {
				if err := SaveAccessPolicy(opts.Storage, &newPolicy); err != nil {
					log.Printf("Failed to save access policy: %v", err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				registry.UpdateAccessPolicy(&newPolicy)
			}
			log.Printf("[AUTH] Access policy updated by %s", maskEmail(userId))
			w.WriteHeader(http.StatusOK)

		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("GET /api/admin/stats", func(w http.ResponseWriter, r *http.Request) {
		if !accessControl.IsAdmin(getUserID(r)) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(hm.Stats())
	})

	// User Status & Quota Endpoint
	mux.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Unauthenticated", http.StatusForbidden)
			return
		}

		allowed, msg := accessControl.IsAllowed(userId)
		maxMatches, maxTeams := accessControl.GetUserQuotas(userId)

		resp := map[string]any{
			"id":      userId,
			"allowed": allowed,
			"message": msg,
			"admin":   accessControl.IsAdmin(userId),
			"quotas": map[string]int{
				"maxMatches":  maxMatches,
				"maxTeams":    maxTeams,
				"matchesUsed": registry.CountOwnedMatches(userId),
				"teamsUsed":   registry.CountOwnedTeams(userId),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/api/action", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId, ok := requireUser(w, r)
		if !ok {
			return
		}

		var msg Message
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&msg); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		matchId := msg.MatchId
		if matchId == "" {
			matchId = r.URL.Query().Get("matchId")
		}
		if !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}
		msg.MatchId = matchId
		debugf("action on match %s from %s: %d actions", matchId, maskEmail(userId), len(msg.batch()))

		resp, ok := callHub(w, r, matchId, HubRequest{
			Type:    ReqTypeHTTPAction,
			UserId:  userId,
			Headers: r.Header,
			Message: msg,
		}, retryAfterAction)
		if ok {
			writeHubResponse(w, resp)
		}
	})

	mux.HandleFunc("POST /api/matches", func(w http.ResponseWriter, r *http.Request) {
		userId, ok := requireUser(w, r)
		if !ok {
			return
		}

		var p MatchStartPayload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&p); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if !isValidUUID(p.ID) {
			http.Error(w, "Bad Request: id is invalid", http.StatusBadRequest)
			return
		}
		p.OwnerID = userId

		payload, err := json.Marshal(p)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		action, err := json.Marshal(BaseAction{
			ID:            uuid.NewString(),
			Type:          ActionMatchStart,
			Payload:       payload,
			Timestamp:     time.Now().UnixMilli(),
			SchemaVersion: CurrentSchemaVersion,
		})
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		resp, ok := callHub(w, r, p.ID, HubRequest{
			Type:    ReqTypeHTTPAction,
			UserId:  userId,
			Headers: r.Header,
			Message: Message{Type: MsgTypeAction, MatchId: p.ID, Actions: []json.RawMessage{action}},
		}, retryAfterAction)
		if !ok {
			return
		}
		if resp.Error == nil && resp.Status == http.StatusOK {
			log.Printf("Match %s created by %s", p.ID, maskEmail(userId))
			resp.Status = http.StatusCreated
		}
		writeHubResponse(w, resp)
	})

	mux.HandleFunc("GET /api/matches", func(w http.ResponseWriter, r *http.Request) {
		userId, ok := requireUser(w, r)
		if !ok {
			return
		}
		q := parseListQuery(r)
		resp := newListResponse(registry.ListMatches(userId, q.SortBy, q.Order, q.Search), q)
		// Tombstones for ids the client still holds.
		for _, kid := range r.URL.Query()["known"] {
			if registry.IsMatchDeleted(kid) {
				resp.Data = append(resp.Data, MatchMetadata{ID: kid, Status: StatusDeleted})
			}
		}
		writeJSONWithETag(w, r, resp)
	})

	mux.HandleFunc("GET /api/matches/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !checkAnonymous(w, r) {
			return
		}
		matchId := r.PathValue("id")
		if !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}
		data, _, ok := loadMatch(w, r, matchId)
		if !ok {
			return
		}
		writeDataWithETag(w, r, data)
	})

	mux.HandleFunc("DELETE /api/matches/{id}", func(w http.ResponseWriter, r *http.Request) {
		userId, ok := requireUser(w, r)
		if !ok {
			return
		}
		matchId := r.PathValue("id")
		if !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}
		resp, ok := callHub(w, r, matchId, HubRequest{Type: ReqTypeHTTPDelete, UserId: userId, Headers: r.Header}, retryAfterSave)
		if !ok {
			return
		}
		if errors.Is(resp.Error, ErrNotLeader) {
			raftMgr.forwardRequestToLeader(w, r)
			return
		}
		if resp.Error == nil && resp.Status == http.StatusNoContent {
			log.Printf("Match %s deleted by %s", matchId, maskEmail(userId))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeHubResponse(w, resp)
	})

	mux.HandleFunc("GET /api/matches/{id}/scorecard", func(w http.ResponseWriter, r *http.Request) {
		if !checkAnonymous(w, r) {
			return
		}
		matchId := r.PathValue("id")
		if !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}
		_, doc, ok := loadMatch(w, r, matchId)
		if !ok {
			return
		}
		if doc.Status == "" {
			http.Error(w, "Conflict: Match has not started", http.StatusConflict)
			return
		}
		writeJSONWithETag(w, r, registry.Scorecard(doc, NewDirectory(doc, tStore)))
	})

	mux.HandleFunc("GET /api/matches/{id}/squad", func(w http.ResponseWriter, r *http.Request) {
		if !checkAnonymous(w, r) {
			return
		}
		matchId := r.PathValue("id")
		if !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}
		_, doc, ok := loadMatch(w, r, matchId)
		if !ok {
			return
		}
		teamId := r.URL.Query().Get("team")
		if teamId != doc.Team1ID && teamId != doc.Team2ID {
			http.Error(w, "Bad Request: team is not playing this match", http.StatusBadRequest)
			return
		}
		writeJSONWithETag(w, r, NewDirectory(doc, tStore).ResolveSquad(teamId))
	})

	mux.HandleFunc("GET /api/points-table", func(w http.ResponseWriter, r *http.Request) {
		if !checkAnonymous(w, r) {
			return
		}
		writeJSONWithETag(w, r, registry.PointsTable(getUserID(r), r.URL.Query().Get("q")))
	})

	mux.HandleFunc("POST /api/teams", func(w http.ResponseWriter, r *http.Request) {
		userId, ok := requireUser(w, r)
		if !ok {
			return
		}

		var t Team
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&t); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if !isValidUUID(t.ID) {
			http.Error(w, "Bad Request: teamId is invalid", http.StatusBadRequest)
			return
		}

		status := http.StatusOK
		existing, err := tStore.LoadTeam(t.ID)
		switch {
		case err == nil && !existing.Deleted():
			if GetTeamAccess(userId, *existing) < AccessWrite {
				http.Error(w, "Forbidden: You do not have permission to manage this team", http.StatusForbidden)
				return
			}
			// Only team admins change roles and the owner never changes.
			t.OwnerID = existing.OwnerID
			if GetTeamAccess(userId, *existing) < AccessAdmin {
				t.Roles = existing.Roles
			}
		case err == nil:
			http.Error(w, "Gone: Team was deleted", http.StatusGone)
			return
		case errors.Is(err, os.ErrNotExist):
			t.OwnerID = userId
			if err := accessControl.CheckTeamQuota(userId, registry.CountOwnedTeams(userId)); err != nil {
				http.Error(w, "Forbidden: "+err.Error(), http.StatusForbidden)
				return
			}
			status = http.StatusCreated
		default:
			log.Printf("Error checking existing team %s: %v", t.ID, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		t.SchemaVersion = CurrentSchemaVersion
		t.UpdatedAt = time.Now().UnixMilli()
		t.Status = ""
		t.DeletedAt = 0
		t.LastRaftIndex = 0
		t.normalize()
		if err := ValidateTeam(&t); err != nil {
			http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
			return
		}

		body, err := json.Marshal(t)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		if raftMgr != nil {
			raw := json.RawMessage(body)
			if !propose(w, r, RaftCommand{Type: CmdSaveTeam, ID: t.ID, TeamData: &raw}, body) {
				return
			}
		} else {
			if err := tStore.SaveTeam(&t); err != nil {
				log.Printf("Internal Server Error during SaveTeam: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			registry.UpdateTeam(t.Metadata())
		}
		debugf("team %s saved by %s", t.ID, maskEmail(userId))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
	})

	mux.HandleFunc("GET /api/teams", func(w http.ResponseWriter, r *http.Request) {
		userId, ok := requireUser(w, r)
		if !ok {
			return
		}
		q := parseListQuery(r)
		resp := newListResponse(registry.ListTeams(userId, q.SortBy, q.Order, q.Search), q)
		for _, kid := range r.URL.Query()["known"] {
			if registry.IsTeamDeleted(kid) {
				resp.Data = append(resp.Data, TeamMetadata{ID: kid, Status: string(StatusDeleted)})
			}
		}
		writeJSONWithETag(w, r, resp)
	})

	mux.HandleFunc("GET /api/teams/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !checkAnonymous(w, r) {
			return
		}
		teamId := r.PathValue("id")
		if !isValidUUID(teamId) {
			http.Error(w, "Bad Request: teamId is missing or invalid", http.StatusBadRequest)
			return
		}
		t, err := tStore.LoadTeam(teamId)
		if errors.Is(err, os.ErrNotExist) || (err == nil && t.Deleted()) {
			http.Error(w, "Not Found: Team not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Printf("Internal Server Error during LoadTeam: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if GetTeamAccess(getUserID(r), *t) < AccessRead {
			http.Error(w, "Forbidden: You do not have access to this team", http.StatusForbidden)
			return
		}
		writeJSONWithETag(w, r, t)
	})

	mux.HandleFunc("DELETE /api/teams/{id}", func(w http.ResponseWriter, r *http.Request) {
		userId, ok := requireUser(w, r)
		if !ok {
			return
		}
		teamId := r.PathValue("id")
		if !isValidUUID(teamId) {
			http.Error(w, "Bad Request: teamId is missing or invalid", http.StatusBadRequest)
			return
		}
		t, err := tStore.LoadTeam(teamId)
		if errors.Is(err, os.ErrNotExist) || (err == nil && t.Deleted()) {
			http.Error(w, "Not Found: Team not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Printf("Internal Server Error during LoadTeam: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if GetTeamAccess(userId, *t) < AccessAdmin {
			http.Error(w, "Forbidden: You do not have permission to delete this team", http.StatusForbidden)
			return
		}

		if raftMgr != nil {
			if !propose(w, r, RaftCommand{Type: CmdDeleteTeam, ID: teamId}, nil) {
				return
			}
		} else {
			if err := tStore.DeleteTeam(teamId); err != nil {
				log.Printf("Internal Server Error during DeleteTeam: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			registry.DeleteTeam(teamId)
		}
		log.Printf("Team %s deleted by %s", teamId, maskEmail(userId))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		if !checkAnonymous(w, r) {
			return
		}
		ServeWS(hm, w, r)
	})

	// Mock SSO endpoints for local development
	if opts.UseMockAuth {
		mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
			email := normalizeEmail(r.URL.Query().Get("email"))
			if email == "" {
				email = "test@example.com"
			}
			if !isValidEmail(email) {
				http.Error(w, "Bad Request: invalid email", http.StatusBadRequest)
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:  mockAuthCookie,
				Value: email,
				Path:  "/",
			})
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/.sso/{$}", ssoStatusHandler)
		mux.HandleFunc("/.sso/logout", ssoLogoutHandler)
	}

	handler := http.Handler(mux)
	if opts.UseMockAuth {
		handler = mockAuthMiddleware(opts, handler)
	} else {
		handler = jwtAuthMiddleware(opts, handler)
	}
	handler = loggingMiddleware(opts.Debug, handler)
	handler = securityMiddleware(handler)
	handler = cacheControlMiddleware(handler)

	if raftMgr != nil {
		raftMgr.AppHandler = handler
		if err := raftMgr.Start(opts.RaftBootstrap); err != nil {
			log.Fatalf("Failed to start Raft: %v", err)
		}
	}

	return raftMgr, registry, handler
}

// cacheControlMiddleware keeps API responses out of shared caches.
func cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/.sso/") {
			w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		}
		next.ServeHTTP(w, r)
	})
}

var securityHeaders = map[string]string{
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"Referrer-Policy":         "strict-origin-when-cross-origin",
}

// securityMiddleware adds securityHeaders to every response.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range securityHeaders {
			h.Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

const mockAuthCookie = "mock_auth_user"

// mockAuthMiddleware simulates an SSO proxy by taking the user id from a
// cookie.
func mockAuthMiddleware(opts Options, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(mockAuthCookie); err == nil && c.Value != "" {
			r = r.WithContext(context.WithValue(r.Context(), userIDKey, normalizeEmail(c.Value)))
		}
		next.ServeHTTP(w, r)
	})
}

// ssoUser is the profile reported by the mock SSO status endpoint.
type ssoUser struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ssoStatusHandler reports the signed-in user, or null.
func ssoStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var u *ssoUser
	if id := getUserID(r); id != "" {
		name, _, _ := strings.Cut(id, "@")
		u = &ssoUser{Email: id, Name: name}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(u)
}

// ssoLogoutHandler clears the mock SSO cookie.
func ssoLogoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: mockAuthCookie, Path: "/", MaxAge: -1})
}

// loggingMiddleware logs every incoming HTTP request when verbose is set.
func loggingMiddleware(verbose bool, next http.Handler) http.Handler {
	if !verbose {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("Received request: %s %s (%v)", r.Method, r.URL.Path, time.Since(start))
	})
}
