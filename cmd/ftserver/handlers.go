package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dreamware/ftserver/internal/cluster"
	"github.com/dreamware/ftserver/internal/ftserver"
	"github.com/dreamware/ftserver/internal/recovery"
	"github.com/dreamware/ftserver/internal/storage"
)

// api binds the FTServer facade to HTTP.
type api struct {
	ft *ftserver.FTServer
}

func newMux(ft *ftserver.FTServer) *http.ServeMux {
	a := &api{ft: ft}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/initialize", a.handleInitialize)
	mux.HandleFunc("/stats", a.handleStats)

	// Location directory
	mux.HandleFunc("/locations", a.handleLocations)
	mux.HandleFunc("/locations/search", a.handleSearch)
	mux.HandleFunc("/locations/remove", a.handleDestroy)

	// Checkpoints and message log
	mux.HandleFunc("/checkpoints", a.handleCheckpoints)
	mux.HandleFunc("/checkpoints/last", a.handleLastCheckpoint)
	mux.HandleFunc("/checkpoints/info", a.handleCheckpointInfo)
	mux.HandleFunc("/checkpoints/recovery-line", a.handleRecoveryLine)
	mux.HandleFunc("/log", a.handleLog)
	mux.HandleFunc("/log/request", a.handleLogMessage(cluster.LogRequest))
	mux.HandleFunc("/log/reply", a.handleLogMessage(cluster.LogReply))
	mux.HandleFunc("/log/history", a.handleHistory)
	mux.HandleFunc("/output-commit", a.handleOutputCommit)
	mux.HandleFunc("/messages/send", a.handleSend)
	mux.HandleFunc("/messages/receive", a.handleReceive)

	// Spare nodes
	mux.HandleFunc("/resources", a.handleResources)
	mux.HandleFunc("/resources/free", a.handleFreeNode)

	// Recovery
	mux.HandleFunc("/recovery/register", a.handleRegister)
	mux.HandleFunc("/recovery/unregister", a.handleUnregister)
	mux.HandleFunc("/recovery/failure", a.handleFailure)
	mux.HandleFunc("/recovery/state", a.handleState)
	mux.HandleFunc("/recovery/jobs", a.handleJobs)

	// Failure detector
	mux.HandleFunc("/detector/force", a.handleForce)
	mux.HandleFunc("/detector/start", a.handleDetectorControl(ft.StartFailureDetector))
	mux.HandleFunc("/detector/suspend", a.handleDetectorControl(ft.SuspendFailureDetector))
	mux.HandleFunc("/detector/stop", a.handleDetectorControl(ft.StopFailureDetector))
	mux.HandleFunc("/detector/health", a.handleDetectorHealth)
	mux.HandleFunc("/detector/probe", a.handleProbe)

	return mux
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, cluster.ErrNotFound), errors.Is(err, cluster.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, cluster.ErrStaleLocation), errors.Is(err, cluster.ErrStaleIncarnation):
		return http.StatusConflict
	case errors.Is(err, cluster.ErrResourceExhausted), errors.Is(err, cluster.ErrEntityRecovering):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func entityParam(w http.ResponseWriter, r *http.Request) (cluster.EntityID, bool) {
	id := r.URL.Query().Get("entity")
	if id == "" {
		http.Error(w, "entity required", http.StatusBadRequest)
		return "", false
	}
	return cluster.EntityID(id), true
}

func seqParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return seq, true
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"name":     a.ft.Name(),
		"protocol": a.ft.Protocol(),
		"detector": a.ft.DetectorRunning(),
	})
}

func (a *api) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := a.ft.Initialize(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"storage":     a.ft.StorageStats(),
		"entities":    a.ft.GetSystemSize(),
		"free_nodes":  len(a.ft.FreeNodes()),
		"jobs":        len(a.ft.Jobs()),
		"failed_jobs": len(a.ft.FailedJobs()),
	})
}

func (a *api) handleLocations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, struct {
			Entries any `json:"entries"`
		}{Entries: a.ft.Entries()})
	case http.MethodPost:
		var req cluster.UpdateLocationRequest
		if !decode(w, r, &req) {
			return
		}
		if req.EntityID == "" || req.Location.IsZero() {
			http.Error(w, "missing entity_id/location", http.StatusBadRequest)
			return
		}
		if err := a.ft.UpdateLocation(req.EntityID, req.Location, req.Incarnation); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *api) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.SearchRequest
	if !decode(w, r, &req) {
		return
	}
	loc, err := a.ft.SearchObject(req.EntityID, req.Stale, req.Caller)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := cluster.LocationResponse{EntityID: req.EntityID, Location: loc}
	if entry, err := a.ft.GetEntry(req.EntityID); err == nil {
		resp.Incarnation = entry.Incarnation
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDestroy forgets a permanently destroyed entity.
func (a *api) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.EntityRequest
	if !decode(w, r, &req) {
		return
	}
	if req.EntityID == "" {
		http.Error(w, "missing entity_id", http.StatusBadRequest)
		return
	}
	a.ft.DestroyEntity(req.EntityID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req cluster.StoreCheckpointRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Checkpoint.EntityID == "" {
			http.Error(w, "missing checkpoint.entity_id", http.StatusBadRequest)
			return
		}
		store := a.ft.StoreCheckpoint
		if req.Forced {
			store = a.ft.ForceCheckpoint
		}
		seq, err := store(r.Context(), req.Checkpoint, req.Incarnation)
		if err != nil {
			writeError(w, err)
			return
		}
		if req.Info != nil {
			if err := a.ft.AddInfoToCheckpoint(r.Context(), req.Checkpoint.EntityID, seq, *req.Info); err != nil {
				writeError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusCreated, cluster.StoreCheckpointResponse{Seq: seq})
	case http.MethodGet:
		id, ok := entityParam(w, r)
		if !ok {
			return
		}
		seq, ok := seqParam(w, r, "seq")
		if !ok {
			return
		}
		cp, err := a.ft.GetCheckpoint(r.Context(), id, seq)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cp)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *api) handleLastCheckpoint(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := entityParam(w, r)
	if !ok {
		return
	}
	cp, err := a.ft.GetLastCheckpoint(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (a *api) handleCheckpointInfo(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id, ok := entityParam(w, r)
		if !ok {
			return
		}
		seq, ok := seqParam(w, r, "seq")
		if !ok {
			return
		}
		info, err := a.ft.GetInfoFromCheckpoint(r.Context(), id, seq)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case http.MethodPost:
		var req cluster.CheckpointInfoRequest
		if !decode(w, r, &req) {
			return
		}
		if err := a.ft.AddInfoToCheckpoint(r.Context(), req.EntityID, req.Seq, req.Info); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *api) handleRecoveryLine(w http.ResponseWriter, _ *http.Request) {
	index, ok := a.ft.RecoveryLine()
	writeJSON(w, http.StatusOK, map[string]any{"index": index, "available": ok})
}

func (a *api) handleLog(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := entityParam(w, r)
	if !ok {
		return
	}
	since, ok := seqParam(w, r, "since")
	if !ok {
		return
	}
	entries, err := a.ft.GetLogSince(r.Context(), id, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Entries []cluster.MessageLogEntry `json:"entries"`
	}{Entries: entries})
}

func (a *api) handleLogMessage(kind cluster.LogKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		var req cluster.LogMessageRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Receiver == "" {
			http.Error(w, "missing receiver", http.StatusBadRequest)
			return
		}
		store := a.ft.StoreRequest
		if kind == cluster.LogReply {
			store = a.ft.StoreReply
		}
		seq, err := store(r.Context(), req.Receiver, req.Message)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, cluster.LogResponse{Seq: seq})
	}
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.HistoryUpdate
	if !decode(w, r, &req) {
		return
	}
	if err := a.ft.CommitHistory(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleOutputCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		id, ok := entityParam(w, r)
		if !ok {
			return
		}
		commits, err := a.ft.OutputCommits(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Commits []storage.OutputCommit `json:"commits"`
		}{Commits: commits})
		return
	}
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.MessageInfo
	if !decode(w, r, &req) {
		return
	}
	if req.EntityID == "" || req.MessageID == "" {
		http.Error(w, "missing entity_id/message_id", http.StatusBadRequest)
		return
	}
	if err := a.ft.OutputCommit(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleSend(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.EntityRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, a.ft.OnSend(req.EntityID))
}

func (a *api) handleReceive(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.ReceiveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Receiver == "" {
		http.Error(w, "missing receiver", http.StatusBadRequest)
		return
	}
	d, err := a.ft.OnReceive(r.Context(), req.Receiver, req.Message, req.Piggyback)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) handleResources(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, cluster.NodesResponse{Nodes: a.ft.FreeNodes()})
}

// handleFreeNode adds a spare node on POST and takes one on GET.
func (a *api) handleFreeNode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req cluster.FreeNodeRequest
		if !decode(w, r, &req) {
			return
		}
		if err := a.ft.AddFreeNode(req.Node); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		node, err := a.ft.GetFreeNode()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, node)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *api) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.EntityRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.ft.Register(req.EntityID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.EntityRequest
	if !decode(w, r, &req) {
		return
	}
	a.ft.Unregister(req.EntityID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleFailure(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req cluster.EntityRequest
	if !decode(w, r, &req) {
		return
	}
	a.ft.FailureDetected(req.EntityID)
	w.WriteHeader(http.StatusAccepted)
}

type stateBody struct {
	EntityID cluster.EntityID `json:"entity_id"`
	State    recovery.State   `json:"state"`
}

func (a *api) handleState(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id, ok := entityParam(w, r)
		if !ok {
			return
		}
		state, err := a.ft.GetState(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stateBody{EntityID: id, State: state})
	case http.MethodPost:
		var req stateBody
		if !decode(w, r, &req) {
			return
		}
		if !req.State.Valid() {
			http.Error(w, "invalid state", http.StatusBadRequest)
			return
		}
		if err := a.ft.UpdateState(req.EntityID, req.State); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobs lists jobs on GET and submits one on POST. A submission with a
// wait duration blocks on the job barrier and answers once the entity is
// active again.
func (a *api) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if id := q.Get("id"); id != "" {
			job, err := a.ft.GetJob(id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, job)
			return
		}
		jobs := a.ft.Jobs()
		if q.Get("failed") == "true" {
			jobs = a.ft.FailedJobs()
		}
		writeJSON(w, http.StatusOK, struct {
			Jobs []recovery.Job `json:"jobs"`
		}{Jobs: jobs})
	case http.MethodPost:
		var req cluster.SubmitJobRequest
		if !decode(w, r, &req) {
			return
		}
		var wait time.Duration
		if req.Wait != "" {
			d, err := time.ParseDuration(req.Wait)
			if err != nil || d <= 0 {
				http.Error(w, "invalid wait duration", http.StatusBadRequest)
				return
			}
			wait = d
		}
		b, err := a.ft.SubmitJobWithBarrier(recovery.JobRequest{EntityID: req.EntityID, Incarnation: req.Incarnation})
		if err != nil {
			writeError(w, err)
			return
		}
		if wait == 0 {
			writeJSON(w, http.StatusAccepted, b.Job())
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		job, err := b.Wait(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *api) handleForce(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := a.ft.ForceDetection(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleDetectorControl(action func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodPost) {
			return
		}
		action()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *api) handleDetectorHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ft.Health())
}

func (a *api) handleProbe(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var target cluster.Location
	if !decode(w, r, &target) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unreachable": a.ft.IsUnreachable(r.Context(), target)})
}
