// Package events mirrors committed units to an external message bus.
package events

import (
	"context"
	"fmt"
)

// TopicPrefix roots every subject published by the engine.
const TopicPrefix = "diffsync"

// TopicCommitted returns the subject a tenant's commits are published on.
func TopicCommitted(customerID int64) string {
	return fmt.Sprintf("%s.%d.committed", TopicPrefix, customerID)
}

// TopicAllCommitted matches the commits of every tenant.
const TopicAllCommitted = TopicPrefix + ".*.committed"

// Committed describes one committed unit.
type Committed struct {
	CustomerID int64    `json:"customer_id"`
	Tick       int64    `json:"tick"`
	Label      string   `json:"label,omitempty"`
	Area       string   `json:"area,omitempty"`
	UserID     string   `json:"user_id"`
	RequestID  string   `json:"request_id"`
	Kind       string   `json:"kind"`
	Changes    []Change `json:"changes"`
}

// Change is one record touched by a committed unit.
type Change struct {
	Table   string `json:"table"`
	ID      int64  `json:"id"`
	Action  string `json:"action"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
