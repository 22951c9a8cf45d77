// Package protocol defines the wire protocol between the flowsync broker
// and its sync clients.
//
// Messages are symmetric JSON object envelopes carried as WebSocket text
// frames. Every envelope has a "kind" discriminator; the remaining fields
// depend on the kind.
//
// # Client → Server
//
//   - document-update{document}: replace the shared document
//   - rename{displayName}: change the sender's display name
//   - select{elementIds}: claim a new element selection (replaces the
//     sender's previous selection)
//   - deselect{elementId}: release a single held element
//
// # Server → Client
//
//   - init{participantId, document, participants, locks}: first and only
//     unicast after connect; the full state snapshot
//   - document-changed{document}: broadcast to everyone except the author
//   - users-changed{participants}: broadcast to everyone, author included
//   - locks-changed{locks}: broadcast to everyone, author included; always
//     the full authoritative lock table, never a delta
//   - lock-rejected{elementId, heldBy}: unicast to the requester
//   - error{message}: unicast to the author of a malformed or invalid
//     message; the connection stays open
//
// Decoding validates structure only (known kind, required fields present,
// rename non-empty after trimming). Semantic checks such as document schema
// validation belong to the broker.
package protocol
