package core

import "strings"

const (
	// RoomPrefix starts every canonical pair room id.
	RoomPrefix = "chat_"

	// InstructorRoom is the shared room an early build funnelled every
	// student conversation through. Read-time alias only.
	InstructorRoom = "chat_instructor_all"
)

// PairRoomID derives the canonical room id for a 1:1 conversation from
// two normalized participant ids: sort the pair, join with "_", prefix
// with "chat_". Symmetric by construction, so sender and receiver
// compute the same id with no round trip.
//
// Both ids must already be normalized. A self pair or a missing peer is
// a caller error and returns ErrInvalidParticipantPair.
func PairRoomID(a, b string) (string, error) {
	if a == "" || b == "" || a == b {
		return "", ErrInvalidParticipantPair
	}
	if b < a {
		a, b = b, a
	}
	return RoomPrefix + a + "_" + b, nil
}

// StudentRoom is the per-student room id scheme of an earlier build.
func StudentRoom(studentID string) string {
	return "chat_student_" + studentID
}

// LegacyInstructorRoom is the oldest per-student scheme, keyed off the
// first instructor account.
func LegacyInstructorRoom(studentID string) string {
	return "chat_instructor1_" + studentID
}

// LegacyAliases lists the historical room ids that may hold messages
// belonging to p's conversations. They are joined for reads and queried
// as a history fallback, never written to or broadcast to.
func LegacyAliases(p Participant) []string {
	if p.Role == Student {
		return []string{
			StudentRoom(p.ID),
			LegacyInstructorRoom(p.ID),
			InstructorRoom,
		}
	}
	return []string{InstructorRoom}
}

// IsLegacyAlias reports whether roomID uses one of the historical
// naming schemes rather than the canonical pair form.
func IsLegacyAlias(roomID string) bool {
	return roomID == InstructorRoom ||
		strings.HasPrefix(roomID, "chat_student_") ||
		strings.HasPrefix(roomID, "chat_instructor1_")
}
