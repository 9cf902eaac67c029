package cluster

// Request and response bodies of the FTServer HTTP binding and of the
// spare-node agent.

// StoreCheckpointRequest stores a checkpoint. Forced marks a checkpoint
// demanded by the protocol; Info, when set, replaces the metadata the
// protocol computed.
type StoreCheckpointRequest struct {
	Info        *CheckpointInfo `json:"info,omitempty"`
	Checkpoint  Checkpoint      `json:"checkpoint"`
	Incarnation Incarnation     `json:"incarnation"`
	Forced      bool            `json:"forced,omitempty"`
}

type StoreCheckpointResponse struct {
	Seq uint64 `json:"seq"`
}

// LogMessageRequest logs an inbound request or outbound reply for Receiver.
type LogMessageRequest struct {
	Receiver EntityID `json:"receiver"`
	Message  Message  `json:"message"`
}

type LogResponse struct {
	Seq uint64 `json:"seq"`
}

type CheckpointInfoRequest struct {
	EntityID EntityID       `json:"entity_id"`
	Info     CheckpointInfo `json:"info"`
	Seq      uint64         `json:"seq"`
}

// ReceiveRequest runs the checkpointing protocol for an inbound message.
type ReceiveRequest struct {
	Receiver  EntityID  `json:"receiver"`
	Message   Message   `json:"message"`
	Piggyback Piggyback `json:"piggyback"`
}

type UpdateLocationRequest struct {
	EntityID    EntityID    `json:"entity_id"`
	Location    Location    `json:"location"`
	Incarnation Incarnation `json:"incarnation"`
}

type SearchRequest struct {
	EntityID EntityID `json:"entity_id"`
	Caller   EntityID `json:"caller"`
	Stale    Location `json:"stale"`
}

type LocationResponse struct {
	EntityID    EntityID    `json:"entity_id"`
	Location    Location    `json:"location"`
	Incarnation Incarnation `json:"incarnation"`
}

type EntityRequest struct {
	EntityID EntityID `json:"entity_id"`
}

type FreeNodeRequest struct {
	Node SpareNode `json:"node"`
}

// RestoreRequest asks a spare node to rebuild an entity from its last
// checkpoint and the log entries logged after it, in Seq order.
type RestoreRequest struct {
	Checkpoint  Checkpoint        `json:"checkpoint"`
	Entries     []MessageLogEntry `json:"entries"`
	Incarnation Incarnation       `json:"incarnation"`
}

type RestoreResponse struct {
	Location Location `json:"location"`
	Applied  int      `json:"applied"`
}

type SubmitJobRequest struct {
	EntityID    EntityID    `json:"entity_id"`
	Wait        string      `json:"wait,omitempty"`
	Incarnation Incarnation `json:"incarnation"`
}

type NodesResponse struct {
	Nodes []SpareNode `json:"nodes"`
}
