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
	"maps"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

var ErrNotLeader = errors.New("not leader")

type RaftManager struct {
	Raft                  *raft.Raft
	FSM                   *FSM
	DataDir               string
	Bind                  string // "host:port" for Raft transport
	Advertise             string // "host:port" for advertising to other nodes
	ClusterAdvertise      string // "host:port" of the internal cluster API as seen by other nodes
	ClusterAddr           string // "host:port" for the internal cluster API
	JoinAddr              string // cluster API of an existing node to join
	NodeID                string
	Secret                string
	Bootstrap             bool
	UseProductionTimeouts bool

	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	internalServer *http.Server
	httpClient     *http.Client
	AuthMiddleware func(http.Handler) http.Handler

	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
	transport   *raft.NetworkTransport

	LogOutput  io.Writer // Optional: Redirect Raft logs
	AppHandler http.Handler
}

func NewRaftManager(dataDir, bind, advertise, clusterAdvertise, clusterAddr, secret string, fsm *FSM) *RaftManager {
	rm := &RaftManager{
		DataDir:          dataDir,
		Bind:             bind,
		Advertise:        advertise,
		ClusterAdvertise: clusterAdvertise,
		ClusterAddr:      clusterAddr,
		Secret:           secret,
		FSM:              fsm,
		shutdownCh:       make(chan struct{}),
		LogOutput:        os.Stderr,
		httpClient:       &http.Client{Timeout: 10 * time.Second},
	}
	if fsm != nil {
		fsm.rm = rm
	}
	return rm
}

// loadOrCreateNodeID returns the persistent id of this node.
func (rm *RaftManager) loadOrCreateNodeID() (string, error) {
	path := filepath.Join(rm.DataDir, "node-id")
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", err
	}
	return id, nil
}

func (rm *RaftManager) selfMeta() *NodeMeta {
	return &NodeMeta{
		NodeID:          rm.NodeID,
		HttpAddr:        rm.ClusterAdvertise,
		AppVersion:      CurrentAppVersion,
		ProtocolVersion: CurrentProtocolVersion,
		SchemaVersion:   CurrentSchemaVersion,
	}
}

func (rm *RaftManager) raftAddr() string {
	if rm.Advertise != "" {
		return rm.Advertise
	}
	return rm.Bind
}

// raftTimeouts are the heartbeat, election and lease timeouts.
type raftTimeouts struct {
	heartbeat, election, lease time.Duration
}

var (
	productionTimeouts = raftTimeouts{5 * time.Second, 20 * time.Second, 5 * time.Second}
	testTimeouts       = raftTimeouts{time.Second, time.Second, 500 * time.Millisecond}
)

func (rm *RaftManager) raftConfig() *raft.Config {
	t := testTimeouts
	if rm.UseProductionTimeouts {
		t = productionTimeouts
	}
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(rm.NodeID)
	c.HeartbeatTimeout = t.heartbeat
	c.ElectionTimeout = t.election
	c.LeaderLeaseTimeout = t.lease
	c.CommitTimeout = 500 * time.Millisecond
	c.SnapshotInterval = 2 * time.Minute
	c.SnapshotThreshold = 20480
	c.MaxAppendEntries = 200
	c.LogLevel = "INFO"
	if rm.LogOutput != nil {
		c.LogOutput = rm.LogOutput
	}
	return c
}

// openStores creates the TCP transport and the bolt log and stable stores.
// Whatever was opened is released by closeStores.
func (rm *RaftManager) openStores() (raft.SnapshotStore, error) {
	var advertise net.Addr
	if rm.Advertise != "" {
		a, err := net.ResolveTCPAddr("tcp", rm.Advertise)
		if err != nil {
			return nil, fmt.Errorf("invalid raft advertise address %q: %w", rm.Advertise, err)
		}
		advertise = a
	}
	var err error
	if rm.transport, err = raft.NewTCPTransport(rm.Bind, advertise, 3, 10*time.Second, rm.LogOutput); err != nil {
		return nil, fmt.Errorf("raft transport: %w", err)
	}
	if rm.logStore, err = raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-log.bolt")); err != nil {
		return nil, fmt.Errorf("raft log store: %w", err)
	}
	if rm.stableStore, err = raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-stable.bolt")); err != nil {
		return nil, fmt.Errorf("raft stable store: %w", err)
	}
	snaps, err := raft.NewFileSnapshotStore(rm.DataDir, 2, rm.LogOutput)
	if err != nil {
		return nil, fmt.Errorf("raft snapshot store: %w", err)
	}
	return snaps, nil
}

// Start opens the Raft stores, starts the node and the cluster API. With
// bootstrap set, a fresh node forms a single-server cluster.
func (rm *RaftManager) Start(bootstrap bool) error {
	rm.Bootstrap = bootstrap
	if err := os.MkdirAll(rm.DataDir, 0755); err != nil {
		return err
	}
	if rm.NodeID == "" {
		id, err := rm.loadOrCreateNodeID()
		if err != nil {
			return fmt.Errorf("failed to load node id: %w", err)
		}
		rm.NodeID = id
	}
	log.Printf("Raft: starting node %s", rm.NodeID)

	snaps, err := rm.openStores()
	if err != nil {
		return err
	}
	config := rm.raftConfig()
	if rm.Raft, err = raft.NewRaft(config, rm.FSM, rm.logStore, rm.stableStore, snaps, rm.transport); err != nil {
		return err
	}

	if bootstrap {
		boot := raft.Configuration{Servers: []raft.Server{{ID: config.LocalID, Address: rm.transport.LocalAddr()}}}
		if err := rm.Raft.BootstrapCluster(boot).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			log.Printf("Raft: bootstrap failed: %v", err)
		}
		go rm.ingest()
	}

	if rm.ClusterAddr != "" {
		if err := rm.startClusterAPI(); err != nil {
			return err
		}
	}

	// The local address is known before the replicated entry arrives.
	rm.FSM.peers.put(rm.selfMeta())
	go rm.monitorConfiguration()
	return nil
}

// startClusterAPI serves the internal cluster endpoints, and the app itself
// for forwarded requests, on ClusterAddr. A ":0" advertise address is
// replaced by the port actually bound.
func (rm *RaftManager) startClusterAPI() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/cluster/status", rm.handleStatus)
	mux.HandleFunc("/api/cluster/join", rm.handleJoin)
	mux.HandleFunc("/api/cluster/remove", rm.handleRemove)
	mux.HandleFunc("/api/cluster/action", rm.handleAction)
	if rm.AppHandler != nil {
		mux.Handle("/", rm.AppHandler)
	}
	var handler http.Handler = mux
	if rm.AuthMiddleware != nil {
		handler = rm.AuthMiddleware(mux)
	}

	ln, err := net.Listen("tcp", rm.ClusterAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on cluster addr %s: %w", rm.ClusterAddr, err)
	}
	if rm.ClusterAdvertise == "" || strings.HasSuffix(rm.ClusterAdvertise, ":0") {
		host, _, _ := net.SplitHostPort(rm.ClusterAdvertise)
		if host == "" {
			host = "127.0.0.1"
		}
		_, port, _ := net.SplitHostPort(ln.Addr().String())
		rm.ClusterAdvertise = net.JoinHostPort(host, port)
	}

	rm.internalServer = &http.Server{Handler: handler}
	go func() {
		log.Printf("Raft: cluster API listening on %s", ln.Addr())
		if err := rm.internalServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Raft: cluster API stopped: %v", err)
		}
	}()
	return nil
}

// ingest proposes the node metadata and any data that predates the
// cluster once this node leads.
func (rm *RaftManager) ingest() {
	for rm.Raft.State() != raft.Leader {
		select {
		case <-rm.shutdownCh:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: rm.selfMeta()}); err != nil {
		log.Printf("Failed to propose bootstrap metadata: %v", err)
	}
	if rm.FSM.IsInitialized() && rm.Raft.LastIndex() > 2 {
		return
	}

	// Migration from standalone
	log.Printf("Ingesting existing data into Raft log...")
	ms, ts := rm.FSM.GetStores()
	for doc, err := range ms.ListAllMatches() {
		if err != nil {
			log.Printf("Failed to list matches for ingestion: %v", err)
			break
		}
		// Reset LastRaftIndex so the FSM accepts the new log entry
		doc.LastRaftIndex = 0
		if err := ms.SaveMatch(doc); err != nil {
			log.Printf("Failed to reset index for match %s: %v", doc.ID, err)
		}
		data, _ := json.Marshal(doc)
		raw := json.RawMessage(data)
		if _, err := rm.Propose(RaftCommand{Type: CmdSaveMatch, ID: doc.ID, MatchData: &raw, Force: true}); err != nil {
			log.Printf("Failed to ingest match %s: %v", doc.ID, err)
		}
	}
	for t, err := range ts.ListAllTeams() {
		if err != nil {
			log.Printf("Failed to list teams for ingestion: %v", err)
			break
		}
		t.LastRaftIndex = 0
		if err := ts.SaveTeam(t); err != nil {
			log.Printf("Failed to reset index for team %s: %v", t.ID, err)
		}
		data, _ := json.Marshal(t)
		raw := json.RawMessage(data)
		if _, err := rm.Propose(RaftCommand{Type: CmdSaveTeam, ID: t.ID, TeamData: &raw, Force: true}); err != nil {
			log.Printf("Failed to ingest team %s: %v", t.ID, err)
		}
	}
	if p := rm.FSM.r.GetAccessPolicy(); p != nil {
		if _, err := rm.Propose(RaftCommand{Type: CmdUpdateAccessPolicy, PolicyData: p}); err != nil {
			log.Printf("Failed to ingest access policy: %v", err)
		}
	}
	log.Printf("Ingestion complete.")
}

// GetHTTPClient returns the reusable HTTP client for internal cluster communication.
func (rm *RaftManager) GetHTTPClient() *http.Client {
	return rm.httpClient
}

// WaitForSync blocks until the Raft FSM has applied all entries currently in the log.
// This prevents serving stale data immediately after a restart while the log is being replayed.
func (rm *RaftManager) WaitForSync(timeout time.Duration) error {
	if rm.Raft == nil {
		return nil
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Errorf("timeout waiting for Raft sync (applied: %d, last: %d)", rm.Raft.AppliedIndex(), rm.Raft.LastIndex())
		case <-ticker.C:
			if rm.Raft.AppliedIndex() >= rm.Raft.LastIndex() {
				return nil
			}
		}
	}
}

// Propose proposes a command to the Raft cluster. An error returned by the
// FSM is returned as is.
func (rm *RaftManager) Propose(cmd RaftCommand) (uint64, error) {
	if rm.Raft.State() != raft.Leader {
		return 0, ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, err
	}

	f := rm.Raft.Apply(data, 5*time.Second)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return 0, ErrNotLeader
		}
		return 0, err
	}
	if err, ok := f.Response().(error); ok {
		return f.Index(), err
	}
	return f.Index(), nil
}

// Join adds a new node to the cluster.
func (rm *RaftManager) Join(meta NodeMeta, raftAddr string, nonVoter bool) error {
	if rm.Raft.State() != raft.Leader {
		return ErrNotLeader
	}
	log.Printf("Received join request for remote node %s at Raft:%s, HTTP:%s (nonVoter: %v)", meta.NodeID, raftAddr, meta.HttpAddr, nonVoter)

	if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: &meta}); err != nil {
		return fmt.Errorf("failed to store node metadata: %v", err)
	}

	var f raft.IndexFuture
	if nonVoter {
		f = rm.Raft.AddNonvoter(raft.ServerID(meta.NodeID), raft.ServerAddress(raftAddr), 0, 0)
	} else {
		f = rm.Raft.AddVoter(raft.ServerID(meta.NodeID), raft.ServerAddress(raftAddr), 0, 0)
	}
	if err := f.Error(); err != nil {
		return err
	}
	log.Printf("Node %s joined successfully", meta.NodeID)
	return nil
}

// Leave removes a node from the cluster.
func (rm *RaftManager) Leave(nodeID string) error {
	if rm.Raft.State() != raft.Leader {
		return ErrNotLeader
	}
	log.Printf("Received leave request for node %s", nodeID)

	if err := rm.Raft.RemoveServer(raft.ServerID(nodeID), 0, 0).Error(); err != nil {
		return err
	}
	if _, err := rm.Propose(RaftCommand{Type: CmdNodeLeft, NodeMeta: &NodeMeta{NodeID: nodeID}}); err != nil {
		log.Printf("Warning: Failed to broadcast node removal: %v", err)
	}
	log.Printf("Node %s removed successfully", nodeID)
	return nil
}

// checkClusterRequest rejects forwarding loops and requests without the
// cluster secret.
func (rm *RaftManager) checkClusterRequest(w http.ResponseWriter, r *http.Request) bool {
	if forwarded := r.Header.Get("X-Raft-Forwarded"); forwarded != "" {
		for _, id := range strings.Split(forwarded, ",") {
			if strings.TrimSpace(id) == rm.NodeID {
				http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
				return false
			}
		}
	}
	if rm.Secret == "" || r.Header.Get("X-Raft-Secret") != rm.Secret {
		http.Error(w, "Forbidden: Invalid Cluster Secret", http.StatusForbidden)
		return false
	}
	return true
}

// ClusterNode is one server of the Raft configuration.
type ClusterNode struct {
	ID              string `json:"id"`
	RaftAddr        string `json:"raftAddr"`
	HttpAddr        string `json:"httpAddr"`
	Suffrage        string `json:"suffrage"`
	AppVersion      string `json:"appVersion,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	SchemaVersion   int    `json:"schemaVersion,omitempty"`
}

// ClusterStatus is the view of the cluster from one node.
type ClusterStatus struct {
	NodeID          string        `json:"nodeId"`
	State           string        `json:"state"`
	LeaderID        string        `json:"leaderId"`
	LeaderAddr      string        `json:"leaderAddr"`
	RaftAddr        string        `json:"raftAddr"`
	AppliedIndex    uint64        `json:"appliedIndex"`
	AppVersion      string        `json:"appVersion"`
	ProtocolVersion int           `json:"protocolVersion"`
	SchemaVersion   int           `json:"schemaVersion"`
	Matches         int           `json:"matches"`
	LiveMatches     int           `json:"liveMatches"`
	Teams           int           `json:"teams"`
	Nodes           []ClusterNode `json:"nodes,omitempty"`
}

// Status reports the Raft state of this node and the size of its replica.
func (rm *RaftManager) Status() ClusterStatus {
	_, leaderID := rm.Raft.LeaderWithID()
	st := ClusterStatus{
		NodeID:          rm.NodeID,
		State:           rm.Raft.State().String(),
		LeaderID:        string(leaderID),
		LeaderAddr:      rm.GetLeaderHTTPAddr(),
		RaftAddr:        rm.raftAddr(),
		AppliedIndex:    rm.Raft.AppliedIndex(),
		AppVersion:      CurrentAppVersion,
		ProtocolVersion: CurrentProtocolVersion,
		SchemaVersion:   CurrentSchemaVersion,
	}
	st.Matches, st.LiveMatches, st.Teams = rm.FSM.r.Counts()

	cf := rm.Raft.GetConfiguration()
	if err := cf.Error(); err != nil {
		log.Printf("Raft: cannot read configuration: %v", err)
		return st
	}
	for _, srv := range cf.Configuration().Servers {
		n := ClusterNode{
			ID:       string(srv.ID),
			RaftAddr: string(srv.Address),
			Suffrage: srv.Suffrage.String(),
		}
		if meta := rm.FSM.GetNodeMeta(n.ID); meta != nil {
			n.HttpAddr = meta.HttpAddr
			n.AppVersion = meta.AppVersion
			n.ProtocolVersion = meta.ProtocolVersion
			n.SchemaVersion = meta.SchemaVersion
		}
		st.Nodes = append(st.Nodes, n)
	}
	return st
}

// handleStatus requires the cluster secret so the topology stays private.
func (rm *RaftManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkClusterRequest(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rm.Status())
}

// joinRequest is sent by a node asking to join the cluster.
type joinRequest struct {
	NodeMeta
	RaftAddr string `json:"raftAddr"`
	NonVoter bool   `json:"nonVoter"`
}

func (j joinRequest) validate() error {
	if j.NodeID == "" || j.RaftAddr == "" || j.HttpAddr == "" {
		return errors.New("nodeId, raftAddr and httpAddr are required")
	}
	for name, addr := range map[string]string{"raftAddr": j.RaftAddr, "httpAddr": j.HttpAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s must be host:port: %w", name, err)
		}
	}
	return nil
}

func (rm *RaftManager) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkClusterRequest(w, r) {
		return
	}
	if rm.Raft.State() != raft.Leader {
		rm.forwardRequestToLeader(w, r)
		return
	}

	var req joinRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 65536)).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if v := req.ProtocolVersion; v != 0 && v != CurrentProtocolVersion {
		http.Error(w, fmt.Sprintf("Protocol version %d not supported", v), http.StatusConflict)
		return
	}
	if err := rm.Join(req.NodeMeta, req.RaftAddr, req.NonVoter); err != nil {
		http.Error(w, fmt.Sprintf("Failed to join: %v", err), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Node %s joined cluster", req.NodeID)
}

type removeRequest struct {
	NodeID string `json:"nodeId"`
}

func (rm *RaftManager) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkClusterRequest(w, r) {
		return
	}
	if rm.Raft.State() != raft.Leader {
		rm.forwardRequestToLeader(w, r)
		return
	}

	var req removeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 65536)).Decode(&req); err != nil || req.NodeID == "" {
		http.Error(w, "Bad Request: nodeId is required", http.StatusBadRequest)
		return
	}
	if rm.FSM.GetNodeMeta(req.NodeID) == nil {
		http.Error(w, "Not Found: unknown node "+req.NodeID, http.StatusNotFound)
		return
	}
	if err := rm.Leave(req.NodeID); err != nil {
		http.Error(w, fmt.Sprintf("Failed to remove node: %v", err), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "Node %s removed from cluster", req.NodeID)
}

// leaderURL returns the base URL of the leader's cluster API.
func (rm *RaftManager) leaderURL() (string, error) {
	addr := rm.GetLeaderHTTPAddr()
	switch {
	case addr == "":
		return "", errors.New("leader not found")
	case addr == rm.ClusterAdvertise:
		return "", errors.New("local node listed as leader but not in leader state")
	case strings.HasPrefix(addr, "http"):
		return addr, nil
	}
	return "http://" + addr, nil
}

// stampForwarded marks req as relayed by this node, on top of any relays
// listed in prev, and adds the cluster secret.
func (rm *RaftManager) stampForwarded(req *http.Request, prev string) {
	hops := rm.NodeID
	if prev != "" {
		hops = prev + "," + rm.NodeID
	}
	req.Header.Set("X-Raft-Forwarded", hops)
	if rm.Secret != "" {
		req.Header.Set("X-Raft-Secret", rm.Secret)
	}
}

// forwardRequestToLeader replays r against the leader and copies the answer
// back to w.
func (rm *RaftManager) forwardRequestToLeader(w http.ResponseWriter, r *http.Request) {
	base, err := rm.leaderURL()
	if err != nil {
		http.Error(w, "Service Unavailable: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "Bad Request: cannot read body", http.StatusBadRequest)
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, base+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	req.Header = r.Header.Clone()
	req.Host = r.Host
	rm.stampForwarded(req, r.Header.Get("X-Raft-Forwarded"))

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	maps.Copy(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleAction serves umpire actions forwarded by followers.
func (rm *RaftManager) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkClusterRequest(w, r) {
		return
	}

	var msg Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&msg); err != nil {
		http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
		return
	}
	if !isValidUUID(msg.MatchId) {
		http.Error(w, "Bad Request: matchId is missing", http.StatusBadRequest)
		return
	}

	reply := make(chan HubResponse, 1)
	if !rm.FSM.GetHubManager().Send(msg.MatchId, HubRequest{
		Type:    ReqTypeHTTPAction,
		UserId:  getUserID(r),
		Headers: r.Header,
		Message: msg,
		Reply:   reply,
	}) {
		hubBusyResponse(w, retryAfterAction)
		return
	}
	writeHubResponse(w, <-reply)
}

// GetLeaderHTTPAddr returns the cluster API address of the current leader.
func (rm *RaftManager) GetLeaderHTTPAddr() string {
	_, leaderID := rm.Raft.LeaderWithID()
	if leaderID == "" {
		return ""
	}
	return rm.FSM.GetNodeAddr(string(leaderID))
}

// transferLeadership hands leadership to another voter, giving up after
// timeout. It is a no-op on a follower or a single-node cluster.
func (rm *RaftManager) transferLeadership(timeout time.Duration) {
	if rm.Raft.State() != raft.Leader || rm.FSM.GetNodeCount() < 2 {
		return
	}
	log.Printf("Raft: transferring leadership before shutdown")
	done := make(chan error, 1)
	go func() { done <- rm.Raft.LeadershipTransfer().Error() }()
	select {
	case err := <-done:
		if err != nil {
			log.Printf("Raft: leadership transfer failed: %v", err)
		}
	case <-time.After(timeout):
		log.Printf("Raft: leadership transfer timed out")
	}
}

// Shutdown stops the cluster API and the Raft node, then flushes the stores.
func (rm *RaftManager) Shutdown() error {
	rm.shutdownOnce.Do(func() { close(rm.shutdownCh) })
	if rm.internalServer != nil {
		rm.internalServer.Close()
	}
	defer rm.closeStores()
	if rm.Raft == nil {
		return nil
	}

	rm.transferLeadership(5 * time.Second)
	err := rm.Raft.Shutdown().Error()
	if ferr := rm.FSM.FlushAll(); ferr != nil {
		log.Printf("Raft: flushing stores on shutdown: %v", ferr)
	}
	return err
}

func (rm *RaftManager) closeStores() {
	if rm.transport != nil {
		rm.transport.Close()
		rm.transport = nil
	}
	if rm.logStore != nil {
		rm.logStore.Close()
		rm.logStore = nil
	}
	if rm.stableStore != nil {
		rm.stableStore.Close()
		rm.stableStore = nil
	}
}

// monitorConfiguration keeps this node registered: the leader refreshes its
// own metadata, and a node that is not yet initialized asks JoinAddr (or
// any known peer) to add it.
func (rm *RaftManager) monitorConfiguration() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-rm.shutdownCh:
			return
		case <-ticker.C:
		}

		_, leaderID := rm.Raft.LeaderWithID()
		if leaderID == raft.ServerID(rm.NodeID) {
			if meta := rm.FSM.GetNodeMeta(rm.NodeID); meta == nil || meta.HttpAddr != rm.ClusterAdvertise || meta.AppVersion != CurrentAppVersion {
				log.Printf("[AutoConfig] Updating own metadata (HTTP address %q)", rm.ClusterAdvertise)
				if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: rm.selfMeta()}); err != nil {
					log.Printf("[AutoConfig] Failed to update own metadata: %v", err)
				}
			}
			continue
		}
		if leaderID != "" && rm.FSM.IsInitialized() {
			continue
		}

		target := rm.JoinAddr
		if leaderID != "" {
			target = rm.FSM.GetNodeAddr(string(leaderID))
		}
		if target == "" {
			for id, addr := range rm.FSM.GetAllNodes() {
				if id != rm.NodeID && addr != "" {
					target = addr
					break
				}
			}
		}
		if target == "" {
			continue
		}
		if err := rm.requestJoin(target); err != nil {
			log.Printf("[AutoConfig] Registration with %s failed: %v", target, err)
			continue
		}
		log.Printf("[AutoConfig] Successfully registered with node at %s", target)
	}
}

func (rm *RaftManager) requestJoin(target string) error {
	if !strings.HasPrefix(target, "http") {
		target = "http://" + target
	}
	data, err := json.Marshal(joinRequest{NodeMeta: *rm.selfMeta(), RaftAddr: rm.raftAddr()})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, target+"/api/cluster/join", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Raft-Secret", rm.Secret)

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("join via %s: HTTP %d: %s", target, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
