// Package history records finished calls so a chat timeline can show
// how a call went and how long it lasted.
//
// Records are keyed by a conversation id derived from the two
// participant ids, so both sides of a call compute the same key
// regardless of who placed it.
package history

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/prasanna172605/snugglecall/signaling"
)

// Record is one finished call as written to a conversation timeline.
type Record struct {
	// Kind is audio or video.
	Kind signaling.CallKind
	// DurationSeconds is the call length rounded to whole seconds.
	// Zero for calls that never connected.
	DurationSeconds int64
	// Status is the terminal status of the call. Completed calls use
	// StatusCompleted.
	Status string
	// Participants are both user ids.
	Participants []string
	// CallerID is the user who placed the call.
	CallerID string
}

// StatusCompleted marks a call that ended normally.
const StatusCompleted = "completed"

// ConversationID derives the shared conversation key for two users.
// The ids are sorted so both peers derive the same key.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// Recorder persists call records. Implementations must tolerate
// repeated writes for distinct calls in the same conversation.
type Recorder interface {
	SaveCallHistory(ctx context.Context, conversationID string, rec Record) error
}

// MemoryRecorder keeps records in memory. Used by tests and by
// deployments that do not persist history.
type MemoryRecorder struct {
	mu      sync.Mutex
	records map[string][]Record
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{records: make(map[string][]Record)}
}

// SaveCallHistory appends rec to the conversation's record list.
func (r *MemoryRecorder) SaveCallHistory(_ context.Context, conversationID string, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[conversationID] = append(r.records[conversationID], rec)
	return nil
}

// Records returns a copy of the records saved for a conversation.
func (r *MemoryRecorder) Records(conversationID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records[conversationID]))
	copy(out, r.records[conversationID])
	return out
}
