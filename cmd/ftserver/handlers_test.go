package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ftserver/internal/checkpoint"
	"github.com/dreamware/ftserver/internal/cluster"
	"github.com/dreamware/ftserver/internal/config"
	"github.com/dreamware/ftserver/internal/ftserver"
	"github.com/dreamware/ftserver/internal/recovery"
	"github.com/dreamware/ftserver/internal/storage"
)

var (
	oldLoc = cluster.Location{NodeID: "n0", Addr: "host0:9000"}
	spare  = cluster.SpareNode{ID: "spare-1", Addr: "spare1:9000"}
)

func newTestAPI(t *testing.T) (*httptest.Server, *ftserver.FTServer) {
	t.Helper()
	restore := recovery.RestorerFunc(func(_ context.Context, node cluster.SpareNode, _ cluster.RestoreRequest) (cluster.Location, error) {
		return node.Location(), nil
	})
	up := func(context.Context, string) error { return nil }
	ft, err := ftserver.New(context.Background(), config.DefaultConfig(),
		ftserver.WithRestorer(restore), ftserver.WithCheckFunction(up))
	require.NoError(t, err)
	srv := httptest.NewServer(newMux(ft))
	t.Cleanup(func() {
		srv.Close()
		ft.Close()
	})
	return srv, ft
}

// call issues a request and decodes a JSON response into out when out is
// non-nil. It returns the status code.
func call(t *testing.T, srv *httptest.Server, method, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", cluster.ErrNotFound), http.StatusNotFound},
		{cluster.ErrNotRegistered, http.StatusNotFound},
		{cluster.ErrStaleLocation, http.StatusConflict},
		{fmt.Errorf("store: %w", cluster.ErrStaleIncarnation), http.StatusConflict},
		{cluster.ErrResourceExhausted, http.StatusServiceUnavailable},
		{cluster.ErrEntityRecovering, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{cluster.ErrStorage, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestAPI(t)

	var body map[string]any
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ftserver", body["name"])
	assert.Equal(t, checkpoint.ProtocolPML, body["protocol"])
	assert.Equal(t, false, body["detector"])
}

func TestCheckpointEndpoints(t *testing.T) {
	srv, _ := newTestAPI(t)

	var stored cluster.StoreCheckpointResponse
	req := cluster.StoreCheckpointRequest{
		Checkpoint:  cluster.Checkpoint{EntityID: "E1", State: []byte("S0")},
		Incarnation: 1,
	}
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/checkpoints", req, &stored))
	assert.Equal(t, uint64(1), stored.Seq)

	req.Checkpoint.State = []byte("S1")
	req.Forced = true
	req.Info = &cluster.CheckpointInfo{Index: 7}
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/checkpoints", req, &stored))
	assert.Equal(t, uint64(2), stored.Seq)

	var cp cluster.Checkpoint
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/checkpoints?entity=E1&seq=1", nil, &cp))
	assert.Equal(t, []byte("S0"), cp.State)

	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/checkpoints/last?entity=E1", nil, &cp))
	assert.Equal(t, uint64(2), cp.Seq)
	assert.Equal(t, []byte("S1"), cp.State)

	var info cluster.CheckpointInfo
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/checkpoints/info?entity=E1&seq=2", nil, &info))
	assert.Equal(t, uint64(7), info.Index)

	update := cluster.CheckpointInfoRequest{EntityID: "E1", Seq: 2, Info: cluster.CheckpointInfo{Index: 9}}
	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/checkpoints/info", update, nil))
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/checkpoints/info?entity=E1&seq=2", nil, &info))
	assert.Equal(t, uint64(9), info.Index)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown seq", http.MethodGet, "/checkpoints?entity=E1&seq=42", nil, http.StatusNotFound},
		{"unknown entity", http.MethodGet, "/checkpoints/last?entity=nobody", nil, http.StatusNotFound},
		{"missing entity", http.MethodGet, "/checkpoints/last", nil, http.StatusBadRequest},
		{"bad seq", http.MethodGet, "/checkpoints?entity=E1&seq=x", nil, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/checkpoints", "not an object", http.StatusBadRequest},
		{"missing checkpoint entity", http.MethodPost, "/checkpoints", cluster.StoreCheckpointRequest{Incarnation: 1}, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/checkpoints", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, call(t, srv, tt.method, tt.path, tt.body, nil))
		})
	}

	// A checkpoint for a newer incarnation makes the old one stale
	req = cluster.StoreCheckpointRequest{Checkpoint: cluster.Checkpoint{EntityID: "E1"}, Incarnation: 2}
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/checkpoints", req, &stored))
	assert.Equal(t, uint64(1), stored.Seq)
	req.Incarnation = 1
	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, "/checkpoints", req, nil))
}

func TestLocationEndpoints(t *testing.T) {
	srv, _ := newTestAPI(t)

	update := cluster.UpdateLocationRequest{EntityID: "E1", Location: oldLoc, Incarnation: 1}
	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/locations", update, nil))

	var found cluster.LocationResponse
	search := cluster.SearchRequest{EntityID: "E1", Caller: "client"}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/locations/search", search, &found))
	assert.Equal(t, oldLoc, found.Location)
	assert.Equal(t, cluster.Incarnation(1), found.Incarnation)

	moved := cluster.UpdateLocationRequest{EntityID: "E1", Location: spare.Location(), Incarnation: 2}
	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/locations", moved, nil))
	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, "/locations", update, nil))

	var list struct {
		Entries []struct {
			EntityID    cluster.EntityID    `json:"entity_id"`
			Location    cluster.Location    `json:"location"`
			Incarnation cluster.Incarnation `json:"incarnation"`
		} `json:"entries"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/locations", nil, &list))
	require.Len(t, list.Entries, 1)
	assert.Equal(t, spare.Location(), list.Entries[0].Location)

	assert.Equal(t, http.StatusNotFound,
		call(t, srv, http.MethodPost, "/locations/search", cluster.SearchRequest{EntityID: "other"}, nil))
	assert.Equal(t, http.StatusBadRequest,
		call(t, srv, http.MethodPost, "/locations", cluster.UpdateLocationRequest{EntityID: "E2"}, nil))

	require.Equal(t, http.StatusNoContent,
		call(t, srv, http.MethodPost, "/locations/remove", cluster.EntityRequest{EntityID: "E1"}, nil))
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodPost, "/locations/search", search, nil))
	assert.Equal(t, http.StatusBadRequest,
		call(t, srv, http.MethodPost, "/locations/remove", cluster.EntityRequest{}, nil))
}

func TestLogEndpoints(t *testing.T) {
	srv, _ := newTestAPI(t)

	cp := cluster.StoreCheckpointRequest{Checkpoint: cluster.Checkpoint{EntityID: "E1"}, Incarnation: 1}
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/checkpoints", cp, nil))

	var logged cluster.LogResponse
	in := cluster.LogMessageRequest{Receiver: "E1", Message: cluster.Message{Sender: "c", Receiver: "E1", MessageID: "m1"}}
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/log/request", in, &logged))
	assert.Equal(t, uint64(1), logged.Seq)

	out := cluster.LogMessageRequest{Receiver: "E1", Message: cluster.Message{Sender: "E1", Receiver: "c", MessageID: "r1"}}
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/log/reply", out, &logged))
	assert.Equal(t, uint64(2), logged.Seq)

	var entries struct {
		Entries []cluster.MessageLogEntry `json:"entries"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/log?entity=E1&since=1", nil, &entries))
	require.Len(t, entries.Entries, 2)
	assert.Equal(t, cluster.LogRequest, entries.Entries[0].Kind)
	assert.Equal(t, cluster.LogReply, entries.Entries[1].Kind)

	history := cluster.HistoryUpdate{
		EntityID:    "E1",
		Incarnation: 1,
		Entries:     []cluster.MessageLogEntry{{MessageID: "m9", Kind: cluster.LogRequest}},
	}
	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/log/history", history, nil))
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/log?entity=E1&since=1", nil, &entries))
	require.Len(t, entries.Entries, 1)
	assert.Equal(t, "m9", entries.Entries[0].MessageID)

	history.Incarnation = 0
	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, "/log/history", history, nil))
	assert.Equal(t, http.StatusBadRequest,
		call(t, srv, http.MethodPost, "/log/request", cluster.LogMessageRequest{}, nil))

	commit := cluster.MessageInfo{EntityID: "E1", MessageID: "r1"}
	assert.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/output-commit", commit, nil))
	assert.Equal(t, http.StatusBadRequest,
		call(t, srv, http.MethodPost, "/output-commit", cluster.MessageInfo{EntityID: "E1"}, nil))

	var commits struct {
		Commits []storage.OutputCommit `json:"commits"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/output-commit?entity=E1", nil, &commits))
	require.Len(t, commits.Commits, 1)
	assert.Equal(t, "r1", commits.Commits[0].MessageID)
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodGet, "/output-commit", nil, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, call(t, srv, http.MethodDelete, "/output-commit", nil, nil))
}

func TestMessageEndpoints(t *testing.T) {
	srv, _ := newTestAPI(t)

	var pb cluster.Piggyback
	require.Equal(t, http.StatusOK,
		call(t, srv, http.MethodPost, "/messages/send", cluster.EntityRequest{EntityID: "E2"}, &pb))
	assert.Equal(t, cluster.EntityID("E2"), pb.Sender)

	var d checkpoint.Delivery
	recv := cluster.ReceiveRequest{
		Receiver:  "E1",
		Message:   cluster.Message{Sender: "E2", Receiver: "E1", MessageID: "m1"},
		Piggyback: pb,
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/messages/receive", recv, &d))
	assert.True(t, d.Logged)
	assert.Equal(t, uint64(1), d.LogSeq)

	var line map[string]any
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/checkpoints/recovery-line", nil, &line))
	assert.Equal(t, false, line["available"])
}

func TestResourceEndpoints(t *testing.T) {
	srv, _ := newTestAPI(t)

	require.Equal(t, http.StatusNoContent,
		call(t, srv, http.MethodPost, "/resources/free", cluster.FreeNodeRequest{Node: spare}, nil))
	assert.Equal(t, http.StatusBadRequest,
		call(t, srv, http.MethodPost, "/resources/free", cluster.FreeNodeRequest{}, nil))

	var nodes cluster.NodesResponse
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/resources", nil, &nodes))
	assert.Equal(t, []cluster.SpareNode{spare}, nodes.Nodes)

	var node cluster.SpareNode
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/resources/free", nil, &node))
	assert.Equal(t, spare, node)
	assert.Equal(t, http.StatusServiceUnavailable, call(t, srv, http.MethodGet, "/resources/free", nil, nil))
}

// TestRecoveryOverHTTP tests a submitted job that waits on the barrier
// until the entity runs on the spare node
func TestRecoveryOverHTTP(t *testing.T) {
	srv, _ := newTestAPI(t)

	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/locations",
		cluster.UpdateLocationRequest{EntityID: "E1", Location: oldLoc, Incarnation: 1}, nil))
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/checkpoints",
		cluster.StoreCheckpointRequest{Checkpoint: cluster.Checkpoint{EntityID: "E1", State: []byte("S0")}, Incarnation: 1}, nil))
	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/resources/free",
		cluster.FreeNodeRequest{Node: spare}, nil))

	submit := cluster.SubmitJobRequest{EntityID: "E1", Incarnation: 1, Wait: "5s"}
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodPost, "/recovery/jobs", submit, nil))

	require.Equal(t, http.StatusNoContent,
		call(t, srv, http.MethodPost, "/recovery/register", cluster.EntityRequest{EntityID: "E1"}, nil))

	var state stateBody
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/recovery/state?entity=E1", nil, &state))
	assert.Equal(t, recovery.StateActive, state.State)

	bad := submit
	bad.Wait = "soon"
	assert.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, "/recovery/jobs", bad, nil))

	var job recovery.Job
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/recovery/jobs", submit, &job))
	assert.Equal(t, recovery.StateActive, job.State)
	assert.Equal(t, cluster.Incarnation(2), job.NewIncarnation)
	assert.Equal(t, spare.Location(), job.Location)

	var found cluster.LocationResponse
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/locations/search",
		cluster.SearchRequest{EntityID: "E1", Stale: oldLoc}, &found))
	assert.Equal(t, spare.Location(), found.Location)
	assert.Equal(t, cluster.Incarnation(2), found.Incarnation)

	var jobs struct {
		Jobs []recovery.Job `json:"jobs"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/recovery/jobs", nil, &jobs))
	require.Len(t, jobs.Jobs, 1)
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/recovery/jobs?failed=true", nil, &jobs))
	assert.Empty(t, jobs.Jobs)

	var got recovery.Job
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/recovery/jobs?id="+job.ID, nil, &got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/recovery/jobs?id=missing", nil, nil))

	// The old incarnation is gone
	submit.Wait = ""
	assert.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, "/recovery/jobs", submit, nil))
}

func TestStateEndpoint(t *testing.T) {
	srv, _ := newTestAPI(t)
	require.Equal(t, http.StatusNoContent,
		call(t, srv, http.MethodPost, "/recovery/register", cluster.EntityRequest{EntityID: "E1"}, nil))

	assert.Equal(t, http.StatusBadRequest,
		call(t, srv, http.MethodPost, "/recovery/state", stateBody{EntityID: "E1", State: "SLEEPING"}, nil))
	require.Equal(t, http.StatusNoContent,
		call(t, srv, http.MethodPost, "/recovery/state", stateBody{EntityID: "E1", State: recovery.StateSuspected}, nil))

	var state stateBody
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/recovery/state?entity=E1", nil, &state))
	assert.Equal(t, recovery.StateSuspected, state.State)
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/recovery/state?entity=E9", nil, nil))

	require.Equal(t, http.StatusNoContent,
		call(t, srv, http.MethodPost, "/recovery/unregister", cluster.EntityRequest{EntityID: "E1"}, nil))
	assert.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/recovery/state?entity=E1", nil, nil))
}

func TestDetectorEndpoints(t *testing.T) {
	srv, ft := newTestAPI(t)

	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/detector/force", nil, nil))
	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/detector/start", nil, nil))
	assert.True(t, ft.DetectorRunning())
	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/detector/force", nil, nil))
	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/detector/suspend", nil, nil))
	assert.False(t, ft.DetectorRunning())
	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/detector/stop", nil, nil))

	var probe map[string]bool
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/detector/probe", oldLoc, &probe))
	assert.False(t, probe["unreachable"])

	var health map[string]any
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/detector/health", nil, &health))
	assert.Equal(t, http.StatusMethodNotAllowed, call(t, srv, http.MethodGet, "/detector/force", nil, nil))
}

func TestInitializeEndpoint(t *testing.T) {
	srv, ft := newTestAPI(t)
	require.NoError(t, ft.UpdateLocation("E1", oldLoc, 1))

	require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodPost, "/initialize", nil, nil))
	assert.Empty(t, ft.Entries())

	var stats map[string]any
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/stats", nil, &stats))
	assert.Equal(t, float64(0), stats["entities"])
}
