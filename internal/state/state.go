// Package state holds the broker's single source of truth: the shared
// document blob, the connected-participant registry, and the element-lock
// table.
//
// Every mutation runs under one mutex, so operations are linearized: no
// operation ever observes a partially applied concurrent mutation. The
// package does no I/O; callers decide what to broadcast from the returned
// values.
package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Sentinel errors for state operations.
var (
	// ErrParticipantNotFound is returned when a participant id is unknown.
	ErrParticipantNotFound = errors.New("state: participant not found")

	// ErrEmptyDisplayName is returned when a rename target is empty after
	// trimming whitespace.
	ErrEmptyDisplayName = errors.New("state: display name must not be empty")

	// ErrEmptyDocument is returned when a replacement document is empty.
	ErrEmptyDocument = errors.New("state: document must not be empty")

	// ErrNotHeldByCaller is returned when releasing a lock that is absent
	// or held by someone else.
	ErrNotHeldByCaller = errors.New("state: lock not held by caller")
)

// Snapshot is an immutable point-in-time copy of the full state, used for
// the initial sync of a new participant.
type Snapshot struct {
	Document     string
	Participants map[string]string // participant id -> display name
	Locks        map[string]string // element id -> participant id
}

// Rejection reports one element of a selection that could not be locked.
type Rejection struct {
	ElementID string
	HeldBy    string
}

// SelectResult describes the outcome of an AcquireLocks call.
type SelectResult struct {
	Acquired []string    // element ids now held by the caller
	Released []string    // previously held element ids dropped by the call
	Rejected []Rejection // element ids held by other participants
}

// Changed reports whether the call altered the lock table.
func (r SelectResult) Changed() bool {
	return len(r.Acquired) > 0 || len(r.Released) > 0
}

// State is the authoritative in-memory store. The zero value is not usable;
// construct with New.
type State struct {
	mu           sync.Mutex
	document     string
	participants map[string]string
	locks        map[string]string
	nameSeq      int // ordinal for default display names
}

// New creates a State seeded with the given document.
func New(document string) *State {
	return &State{
		document:     document,
		participants: make(map[string]string),
		locks:        make(map[string]string),
	}
}

// ReplaceDocument replaces the whole document value. The caller is
// responsible for schema validation; only emptiness is rejected here.
func (s *State) ReplaceDocument(document string) error {
	if document == "" {
		return ErrEmptyDocument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.document = document
	return nil
}

// AddParticipant registers a new participant with a fresh id and a
// sequential default display name, and returns both.
func (s *State) AddParticipant() (id, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = uuid.NewString()
	s.nameSeq++
	displayName = fmt.Sprintf("User %d", s.nameSeq)
	s.participants[id] = displayName
	return id, displayName
}

// RemoveParticipant removes a participant and releases every lock it held.
// The freed element ids are returned sorted so the caller can announce the
// release.
func (s *State) RemoveParticipant(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
	}
	delete(s.participants, id)

	var released []string
	for elementID, holder := range s.locks {
		if holder == id {
			released = append(released, elementID)
			delete(s.locks, elementID)
		}
	}
	sort.Strings(released)
	return released, nil
}

// RenameParticipant updates a participant's display name.
func (s *State) RenameParticipant(id, displayName string) error {
	if strings.TrimSpace(displayName) == "" {
		return ErrEmptyDisplayName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[id]; !ok {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, id)
	}
	s.participants[id] = displayName
	return nil
}

// AcquireLocks claims the requested element set for a participant. Each
// requested element is tried independently: unlocked elements and elements
// already held by the caller are (re)assigned; elements held by someone
// else are reported as rejected with their current holder.
//
// The requested set replaces the caller's previous selection: every lock
// the caller held that is not in the request is released atomically by the
// same call.
func (s *State) AcquireLocks(participantID string, elementIDs []string) SelectResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	requested := make(map[string]struct{}, len(elementIDs))
	for _, id := range elementIDs {
		requested[id] = struct{}{}
	}

	var result SelectResult

	// Selection replaces selection: drop previously held elements that are
	// not part of the new request.
	for elementID, holder := range s.locks {
		if holder != participantID {
			continue
		}
		if _, keep := requested[elementID]; !keep {
			delete(s.locks, elementID)
			result.Released = append(result.Released, elementID)
		}
	}

	for elementID := range requested {
		holder, locked := s.locks[elementID]
		switch {
		case !locked:
			s.locks[elementID] = participantID
			result.Acquired = append(result.Acquired, elementID)
		case holder == participantID:
			result.Acquired = append(result.Acquired, elementID)
		default:
			result.Rejected = append(result.Rejected, Rejection{ElementID: elementID, HeldBy: holder})
		}
	}

	sort.Strings(result.Acquired)
	sort.Strings(result.Released)
	sort.Slice(result.Rejected, func(i, j int) bool {
		return result.Rejected[i].ElementID < result.Rejected[j].ElementID
	})
	return result
}

// ReleaseLock releases a single element held by the caller. Absent locks
// and locks held by other participants yield ErrNotHeldByCaller.
func (s *State) ReleaseLock(participantID, elementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if holder, ok := s.locks[elementID]; !ok || holder != participantID {
		return fmt.Errorf("%w: %s", ErrNotHeldByCaller, elementID)
	}
	delete(s.locks, elementID)
	return nil
}

// Snapshot returns a deep copy of the full state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Document:     s.document,
		Participants: copyTable(s.participants),
		Locks:        copyTable(s.locks),
	}
}

// ParticipantCount returns the number of connected participants.
func (s *State) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// LockCount returns the number of held locks.
func (s *State) LockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

// DocumentSize returns the document length in bytes.
func (s *State) DocumentSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.document)
}

func copyTable(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
