// Package entity hosts replicas of recoverable entities on a spare node.
//
// A replica is rebuilt from the entity's last checkpoint and the log
// entries logged after it. Entries are applied strictly in sequence order;
// an entry at or below the last applied sequence number is refused with
// ErrOutOfOrder, so a replica never applies a message twice.
//
// The state blob is opaque. An Applier folds each logged message into it;
// AppendPayload, the default, concatenates payloads after the checkpoint.
package entity
