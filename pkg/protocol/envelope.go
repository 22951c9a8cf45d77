package protocol

// Kind discriminates envelope types on the wire.
type Kind string

// Client → server kinds.
const (
	KindDocumentUpdate Kind = "document-update"
	KindRename         Kind = "rename"
	KindSelect         Kind = "select"
	KindDeselect       Kind = "deselect"
)

// Server → client kinds.
const (
	KindInit            Kind = "init"
	KindDocumentChanged Kind = "document-changed"
	KindUsersChanged    Kind = "users-changed"
	KindLocksChanged    Kind = "locks-changed"
	KindLockRejected    Kind = "lock-rejected"
	KindError           Kind = "error"
)

// DocumentUpdate replaces the whole shared document.
type DocumentUpdate struct {
	Kind     Kind   `json:"kind"`
	Document string `json:"document"`
}

// Rename changes the sender's display name.
type Rename struct {
	Kind        Kind   `json:"kind"`
	DisplayName string `json:"displayName"`
}

// Select claims a new element selection for the sender. The requested set
// replaces the sender's previous selection; an empty set releases
// everything the sender holds.
type Select struct {
	Kind       Kind     `json:"kind"`
	ElementIDs []string `json:"elementIds"`
}

// Deselect releases a single element held by the sender.
type Deselect struct {
	Kind      Kind   `json:"kind"`
	ElementID string `json:"elementId"`
}

// Init is the first and only message unicast to a participant right after
// it connects. It carries the participant's generated id and a full state
// snapshot.
type Init struct {
	Kind          Kind              `json:"kind"`
	ParticipantID string            `json:"participantId"`
	Document      string            `json:"document"`
	Participants  map[string]string `json:"participants"`
	Locks         map[string]string `json:"locks"`
}

// DocumentChanged announces a document replacement to everyone except its
// author.
type DocumentChanged struct {
	Kind     Kind   `json:"kind"`
	Document string `json:"document"`
}

// UsersChanged carries the full participant table after any change to it.
type UsersChanged struct {
	Kind         Kind              `json:"kind"`
	Participants map[string]string `json:"participants"`
}

// LocksChanged carries the full authoritative lock table after any change
// to it.
type LocksChanged struct {
	Kind  Kind              `json:"kind"`
	Locks map[string]string `json:"locks"`
}

// LockRejected tells a requester that one element of its selection is held
// by another participant.
type LockRejected struct {
	Kind      Kind   `json:"kind"`
	ElementID string `json:"elementId"`
	HeldBy    string `json:"heldBy"`
}

// ErrorEvent reports a validation failure in-band. The connection stays
// open.
type ErrorEvent struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// NewDocumentUpdate builds a document-update envelope.
func NewDocumentUpdate(document string) *DocumentUpdate {
	return &DocumentUpdate{Kind: KindDocumentUpdate, Document: document}
}

// NewRename builds a rename envelope.
func NewRename(displayName string) *Rename {
	return &Rename{Kind: KindRename, DisplayName: displayName}
}

// NewSelect builds a select envelope.
func NewSelect(elementIDs []string) *Select {
	if elementIDs == nil {
		elementIDs = []string{}
	}
	return &Select{Kind: KindSelect, ElementIDs: elementIDs}
}

// NewDeselect builds a deselect envelope.
func NewDeselect(elementID string) *Deselect {
	return &Deselect{Kind: KindDeselect, ElementID: elementID}
}

// NewInit builds an init envelope.
func NewInit(participantID, document string, participants, locks map[string]string) *Init {
	return &Init{
		Kind:          KindInit,
		ParticipantID: participantID,
		Document:      document,
		Participants:  participants,
		Locks:         locks,
	}
}

// NewDocumentChanged builds a document-changed envelope.
func NewDocumentChanged(document string) *DocumentChanged {
	return &DocumentChanged{Kind: KindDocumentChanged, Document: document}
}

// NewUsersChanged builds a users-changed envelope.
func NewUsersChanged(participants map[string]string) *UsersChanged {
	return &UsersChanged{Kind: KindUsersChanged, Participants: participants}
}

// NewLocksChanged builds a locks-changed envelope.
func NewLocksChanged(locks map[string]string) *LocksChanged {
	return &LocksChanged{Kind: KindLocksChanged, Locks: locks}
}

// NewLockRejected builds a lock-rejected envelope.
func NewLockRejected(elementID, heldBy string) *LockRejected {
	return &LockRejected{Kind: KindLockRejected, ElementID: elementID, HeldBy: heldBy}
}

// NewError builds an error envelope.
func NewError(message string) *ErrorEvent {
	return &ErrorEvent{Kind: KindError, Message: message}
}
