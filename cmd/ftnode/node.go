package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/dreamware/ftserver/internal/cluster"
	"github.com/dreamware/ftserver/internal/entity"
)

// Node hosts the entities restored on this spare node.
type Node struct {
	host *entity.Host

	// ID is the spare-node identifier registered with the coordinator.
	ID string

	// Addr is the public address recovered entities are reachable at.
	Addr string
}

func NewNode(id, addr string) *Node {
	return &Node{ID: id, Addr: addr, host: entity.NewHost(nil)}
}

// Location is the location reported for every entity hosted here.
func (n *Node) Location() cluster.Location {
	return cluster.Location{NodeID: n.ID, Addr: n.Addr}
}

func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/restore", n.handleRestore)
	mux.HandleFunc("/entities", n.handleList)
	mux.HandleFunc("/entities/", n.handleEntity)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func restoreStatus(err error) int {
	switch {
	case errors.Is(err, cluster.ErrStaleIncarnation):
		return http.StatusConflict
	case errors.Is(err, entity.ErrOutOfOrder):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func (n *Node) handleRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	e, err := n.host.Restore(req)
	if err != nil {
		log.Printf("node[%s] restore failed: %v", n.ID, err)
		http.Error(w, err.Error(), restoreStatus(err))
		return
	}
	log.Printf("node[%s] restored %s incarnation %d from checkpoint %d (+%d entries)",
		n.ID, e.ID, e.Incarnation, e.CheckpointSeq, len(req.Entries))

	writeJSON(w, http.StatusOK, cluster.RestoreResponse{
		Location: n.Location(),
		Applied:  len(req.Entries),
	})
}

func (n *Node) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node":     n.ID,
		"entities": n.host.List(),
	})
}

// replicaView is an entity summary plus its current state.
type replicaView struct {
	entity.Info
	State []byte `json:"state"`
}

// handleEntity serves /entities/{id} and /entities/{id}/apply.
func (n *Node) handleEntity(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/entities/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "missing entity id", http.StatusBadRequest)
		return
	}
	eid := cluster.EntityID(id)

	switch {
	case action == "" && r.Method == http.MethodGet:
		e, ok := n.host.Get(eid)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, replicaView{Info: e.Info(), State: e.State()})

	case action == "" && r.Method == http.MethodDelete:
		if !n.host.Remove(eid) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case action == "apply" && r.Method == http.MethodPost:
		e, ok := n.host.Get(eid)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var entry cluster.MessageLogEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := e.Apply(entry); err != nil {
			http.Error(w, err.Error(), restoreStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, e.Info())

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
