package memory

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrOwnerRequired is returned when a write has no owner to partition by.
	ErrOwnerRequired = errors.New("memory owner id is required")
	// ErrNotFound is returned when a memory id does not exist.
	ErrNotFound = errors.New("memory not found")
	// ErrUnavailable wraps transport and service failures.
	ErrUnavailable = errors.New("memory service unavailable")
)

// NoMemories is the summary returned when nothing is known about an owner.
const NoMemories = "No memories found for this user."

// OwnerID partitions memories. Every persona owns its own slice of the store.
type OwnerID string

// Resolve returns the trimmed owner or ErrOwnerRequired.
func (o OwnerID) Resolve() (string, error) {
	id := strings.TrimSpace(string(o))
	if id == "" {
		return "", ErrOwnerRequired
	}
	return id, nil
}

// Item represents a unit of memory as ranked by the memory service.
type Item struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
	OwnerID  string   `json:"user_id,omitempty"`
	Score    float64  `json:"score,omitempty"`
	Salience float64  `json:"salience,omitempty"`
}

// Recall is the result of a best-effort read. Err is set when the read
// degraded to an empty result; callers that only need items can ignore it.
type Recall struct {
	Items []Item
	Err   error
}

// Degraded reports whether the read failed and was absorbed.
func (r Recall) Degraded() bool {
	return r.Err != nil
}

// Stats summarizes the whole store.
type Stats struct {
	Total     int
	Available bool
}

// Gateway defines the operations over the long-term memory service.
type Gateway interface {
	// Query finds memories relevant to text for owner, best first. Never fails hard.
	Query(ctx context.Context, text string, owner OwnerID, limit int) Recall

	// Store persists content for owner and returns the new memory id.
	Store(ctx context.Context, content string, tags []string, owner OwnerID) (string, error)

	// ListAllForOwner returns everything stored for owner. Never fails hard.
	ListAllForOwner(ctx context.Context, owner OwnerID) Recall

	// Delete removes a memory by id.
	Delete(ctx context.Context, id string) error

	// CheckConnection reports whether the service answers its health probe.
	CheckConnection(ctx context.Context) bool

	// Summarize joins the top memories about owner's preferences and habits.
	Summarize(ctx context.Context, owner OwnerID) string

	// Stats reports store-wide totals.
	Stats(ctx context.Context) Stats
}
