// Package upcast transforms older event payload shapes into the current
// shape at load time, without rewriting stored history.
package upcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrSchemaVersionUnknown is returned when a stored schema version has no
// registered upcaster and is not the current version. This is fatal for the
// affected aggregate: silent pass-through would corrupt state.
var ErrSchemaVersionUnknown = errors.New("upcast: unknown schema version")

// Func rewrites a payload from one schema version to the next. Funcs must be
// pure: same input, same output, no side effects.
type Func func(payload json.RawMessage) (json.RawMessage, error)

type key struct {
	eventType string
	version   uint32
}

// Chain holds the registered upcasters and the current schema version per
// event type. Safe for concurrent use after registration.
type Chain struct {
	mu      sync.RWMutex
	current map[string]uint32
	steps   map[key]Func
}

// NewChain creates an empty upcaster chain.
func NewChain() *Chain {
	return &Chain{
		current: make(map[string]uint32),
		steps:   make(map[key]Func),
	}
}

// SetCurrent declares the current schema version for an event type. Events
// already at the current version pass through untouched.
func (c *Chain) SetCurrent(eventType string, version uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[eventType] = version
}

// Register adds an upcaster that lifts eventType payloads from fromVersion to
// fromVersion+1.
func (c *Chain) Register(eventType string, fromVersion uint32, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps[key{eventType, fromVersion}] = fn
	if c.current[eventType] <= fromVersion {
		c.current[eventType] = fromVersion + 1
	}
}

// CurrentVersion returns the current schema version for an event type
// (1 when never registered).
func (c *Chain) CurrentVersion(eventType string) uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.current[eventType]; ok {
		return v
	}
	return 1
}

// Apply lifts a payload from its stored schema version to the current one,
// applying registered upcasters step by step. A stored version above the
// current one, or a gap with no registered upcaster, yields
// ErrSchemaVersionUnknown.
func (c *Chain) Apply(eventType string, schemaVersion uint32, payload json.RawMessage) (uint32, json.RawMessage, error) {
	target := c.CurrentVersion(eventType)
	if schemaVersion == target {
		return schemaVersion, payload, nil
	}
	if schemaVersion > target {
		return 0, nil, fmt.Errorf("%w: %s v%d is newer than current v%d",
			ErrSchemaVersionUnknown, eventType, schemaVersion, target)
	}

	version := schemaVersion
	for version < target {
		c.mu.RLock()
		fn, ok := c.steps[key{eventType, version}]
		c.mu.RUnlock()
		if !ok {
			return 0, nil, fmt.Errorf("%w: no upcaster for %s v%d",
				ErrSchemaVersionUnknown, eventType, version)
		}
		next, err := fn(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("upcast %s v%d: %w", eventType, version, err)
		}
		payload = next
		version++
	}
	return version, payload, nil
}
