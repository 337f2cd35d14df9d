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

// Package graph models the service-dependency topology and the repository
// that commits it. Entity ids are stable across re-ingestion; logical
// deletion is a tombstone that the reaper removes physically after TTL.
// BR-GRAPH-001: Scoped entity identity repository::namespace::name
// BR-GRAPH-002: Tombstoned edges are never returned to queries
package graph

import (
	"fmt"
	"strings"
	"time"
)

// EntityID is the scoped id `repository::namespace::name`.
type EntityID string

// NewEntityID composes a scoped entity id.
func NewEntityID(repository, namespace, name string) EntityID {
	return EntityID(repository + "::" + namespace + "::" + name)
}

// Parts splits the id into its three scopes.
func (id EntityID) Parts() (repository, namespace, name string, err error) {
	parts := strings.Split(string(id), "::")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed entity id %q", string(id))
	}
	return parts[0], parts[1], parts[2], nil
}

// Repository returns the repository scope, or "" for a malformed id.
func (id EntityID) Repository() string {
	repo, _, _, err := id.Parts()
	if err != nil {
		return ""
	}
	return repo
}

// EntityKind tags graph node types.
type EntityKind string

const (
	KindService EntityKind = "service"
	KindTopic   EntityKind = "topic"
)

// Entity is a graph node: a service or a Kafka topic.
type Entity struct {
	ID            EntityID          `json:"id"`
	Kind          EntityKind        `json:"kind"`
	TenantID      string            `json:"tenant_id"`
	Language      string            `json:"language,omitempty"`
	Framework     string            `json:"framework,omitempty"`
	Owners        []string          `json:"owners,omitempty"`
	ACLNamespaces []string          `json:"acl_namespaces,omitempty"`
	Confidence    float64           `json:"confidence,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Validate rejects entities that would corrupt tenant scoping.
func (e Entity) Validate() error {
	if _, _, _, err := e.ID.Parts(); err != nil {
		return err
	}
	if e.TenantID == "" {
		return fmt.Errorf("entity %s missing tenant_id", e.ID)
	}
	switch e.Kind {
	case KindService, KindTopic:
	default:
		return fmt.Errorf("entity %s has unknown kind %q", e.ID, e.Kind)
	}
	return nil
}

// EdgeKind tags relationship types between entities.
type EdgeKind string

const (
	EdgeCalls     EdgeKind = "calls"
	EdgePublishes EdgeKind = "publishes"
	EdgeConsumes  EdgeKind = "consumes"
)

// Edge is a directed relationship. A non-nil TombstonedAt marks logical
// deletion; such edges are invisible to queries until physically reaped.
type Edge struct {
	From         EntityID   `json:"from"`
	To           EntityID   `json:"to"`
	Kind         EdgeKind   `json:"kind"`
	TenantID     string     `json:"tenant_id"`
	TombstonedAt *time.Time `json:"tombstoned_at,omitempty"`
}

// Key identifies an edge within a tenant.
func (e Edge) Key() string {
	return string(e.From) + "|" + string(e.Kind) + "|" + string(e.To)
}

// Tombstoned reports whether the edge is logically deleted.
func (e Edge) Tombstoned() bool { return e.TombstonedAt != nil }

// Topology is one repository's worth of extracted entities and edges,
// committed as a unit. Commit semantics replace the previous topology of
// (TenantID, Repository): entities and edges absent from the new commit are
// deleted and tombstoned respectively.
type Topology struct {
	TenantID   string   `json:"tenant_id"`
	Repository string   `json:"repository"`
	Entities   []Entity `json:"entities"`
	Edges      []Edge   `json:"edges"`
}

// Subgraph is a query-facing slice of the graph. It never contains
// tombstoned edges.
type Subgraph struct {
	Root     EntityID `json:"root"`
	Entities []Entity `json:"entities"`
	Edges    []Edge   `json:"edges"`
}

// NodeIDs returns the ids of every entity in the subgraph.
func (s *Subgraph) NodeIDs() []string {
	out := make([]string, 0, len(s.Entities))
	for _, e := range s.Entities {
		out = append(out, string(e.ID))
	}
	return out
}
