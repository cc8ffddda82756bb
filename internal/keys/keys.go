// Package keys maps logical admitq identifiers to storage addresses.
//
// Every entity lives under a partition key and a sort key, so a single
// keyspace (a bbolt bucket, a Redis prefix) can hold records, locks and
// counters side by side without collisions:
//
//	request record   REQ#<requestId>          META
//	idempotency lock IDEMP#<eventId>#<userId> LOCK
//	capacity counter EVENT#<eventId>          CAPACITY
//
// Listing projections use USER#<requesterId> and EVENT#<eventId> as index
// keys and QAT#<queuedAt>#REQ#<requestId> as the sort key. queuedAt is zero
// padded so that byte order equals time order.
package keys

import (
	"fmt"
	"strings"
)

// Reserved lists the characters that join key components. Ids containing
// them would make two different pairs share one address.
const Reserved = "#|\x00"

// ValidComponent reports whether s can be embedded in a key.
func ValidComponent(s string) bool { return !strings.ContainsAny(s, Reserved) }

const (
	sortMeta     = "META"
	sortLock     = "LOCK"
	sortCapacity = "CAPACITY"
)

// Request returns the address of a RequestRecord.
func Request(requestID string) (pk, sk string) {
	return "REQ#" + requestID, sortMeta
}

// Lock returns the address of the IdempotencyLock for (eventID, requesterID).
func Lock(eventID, requesterID string) (pk, sk string) {
	return "IDEMP#" + eventID + "#" + requesterID, sortLock
}

// Capacity returns the address of an event's CapacityCounter.
func Capacity(eventID string) (pk, sk string) {
	return Event(eventID), sortCapacity
}

// Event is the partition key of an event. It doubles as the event listing
// index key.
func Event(eventID string) string { return "EVENT#" + eventID }

// Requester is the requester listing index key.
func Requester(requesterID string) string { return "USER#" + requesterID }

// QueuedSort is the listing sort key for a request queued at queuedAtMs.
func QueuedSort(queuedAtMs int64, requestID string) string {
	return fmt.Sprintf("QAT#%013d#REQ#%s", queuedAtMs, requestID)
}

// Item joins a partition and sort key into one flat key for stores that have
// a single keyspace.
func Item(pk, sk string) string { return pk + "|" + sk }
