// Package chat defines the data model shared by the sync engine and the
// relay protocol: identities, two-member rooms, invitations, encrypted
// messages and their delivery state machine.
//
// The model enforces its invariants at construction time. A Room can only
// be built from exactly two distinct member ids, message kinds and system
// codes are closed enums validated at the decode boundary, and delivery
// metadata only ever moves forward.
package chat
