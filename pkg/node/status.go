package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// Status is a point-in-time summary of the node, safe to read from any
// goroutine.
type Status struct {
	Node       string `json:"node"`
	Peers      int    `json:"peers"`
	Handled    uint64 `json:"handled"`
	Broadcasts int    `json:"broadcasts"`
	Counter    int    `json:"counter"`
	KVKeys     int    `json:"kv_keys"`
	Topics     int    `json:"topics"`
}

// publish refreshes the status snapshot. Called on the orchestrator
// goroutine after every envelope.
func (n *Node) publish() {
	n.status.Store(&Status{
		Node:       n.ID(),
		Peers:      len(n.members.Peers()),
		Handled:    n.handled.Load(),
		Broadcasts: len(n.messages),
		Counter:    n.state.Counter.Value(),
		KVKeys:     n.state.KV.Len(),
		Topics:     len(n.state.Log.Topics()),
	})
}

// Status returns the latest published snapshot.
func (n *Node) Status() Status {
	return *n.status.Load()
}

// Healthz reports whether the node has joined the cluster: 200 once init
// has assigned it an id, 503 before. It reads the published status, so it
// answers even while the orchestrator is blocked on the KV service.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	if n.Status().Node == "" {
		http.Error(w, "awaiting init", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, current time and node status as JSON.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID int       `json:"pid"`
		Now time.Time `json:"now"`
		Status
	}
	data, _ := json.Marshal(resp{PID: os.Getpid(), Now: time.Now(), Status: n.Status()})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
