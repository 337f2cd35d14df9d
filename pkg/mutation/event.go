/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package mutation defines the graph mutation event that flows between the
// graph commit path and the vector index, plus the transports that carry it.
// BR-MUTATION-001: Graph mutation event wire contract
package mutation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type tags the kind of graph mutation an event describes.
type Type string

const (
	NodeUpsert    Type = "node_upsert"
	EdgeUpsert    Type = "edge_upsert"
	EdgeTombstone Type = "edge_tombstone"
	NodeDelete    Type = "node_delete"
)

// Event is the bus payload emitted for every graph mutation. Only
// EdgeTombstone and NodeDelete trigger vector-index deletion downstream.
type Event struct {
	EventID    string    `json:"event_id"`
	Type       Type      `json:"mutation_type"`
	EntityIDs  []string  `json:"entity_ids"`
	TenantID   string    `json:"tenant_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEvent builds an event with a fresh id and a wall-clock timestamp.
// Wall clock is deliberate: the timestamp is user-visible audit data.
func NewEvent(t Type, tenantID string, entityIDs []string) Event {
	return Event{
		EventID:   uuid.NewString(),
		Type:      t,
		EntityIDs: entityIDs,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
	}
}

// TriggersVectorDeletion reports whether a consumer must delete the
// referenced entities from the vector index.
func (e Event) TriggersVectorDeletion() bool {
	return e.Type == EdgeTombstone || e.Type == NodeDelete
}

// Validate rejects malformed events. Consumers skip and log validation
// failures rather than halting the stream.
func (e Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("mutation event missing event_id")
	}
	switch e.Type {
	case NodeUpsert, EdgeUpsert, EdgeTombstone, NodeDelete:
	default:
		return fmt.Errorf("unknown mutation_type %q", e.Type)
	}
	if e.TenantID == "" {
		return fmt.Errorf("mutation event %s missing tenant_id", e.EventID)
	}
	return nil
}

// Marshal renders the JSON wire form.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses and validates a wire payload.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode mutation event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
