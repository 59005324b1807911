package core

import "regexp"

// Mode selects the capacity class of a room.
type Mode int

// CapacityClass groups modes that share a per-room limit.
type CapacityClass int

const (
	// ClassUnknown is returned for modes outside 1..6.
	ClassUnknown CapacityClass = iota
	// ClassArena covers modes 1, 2, 4 and 5.
	ClassArena
	// ClassBattle covers the one-on-one modes 3 and 6.
	ClassBattle
)

// Per-(room, mode) limits.
const (
	ArenaCapacity  = 4
	BattleCapacity = 2
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{4,32}$`)

// ParseMode accepts exactly the literals "1" through "6".
func ParseMode(raw string) (Mode, error) {
	if len(raw) != 1 || raw[0] < '1' || raw[0] > '6' {
		return 0, ErrInvalidMode
	}
	return Mode(raw[0] - '0'), nil
}

// Class returns the capacity class of m.
func (m Mode) Class() CapacityClass {
	switch m {
	case 1, 2, 4, 5:
		return ClassArena
	case 3, 6:
		return ClassBattle
	default:
		return ClassUnknown
	}
}

// Valid reports whether m is one of the six known modes.
func (m Mode) Valid() bool {
	return m.Class() != ClassUnknown
}

// Capacity is the maximum number of concurrent connections for one (room, m) pair.
func (m Mode) Capacity() int {
	switch m.Class() {
	case ClassArena:
		return ArenaCapacity
	case ClassBattle:
		return BattleCapacity
	default:
		return 0
	}
}

// ValidateRoomID checks the room id format.
func ValidateRoomID(roomID string) error {
	if !roomIDPattern.MatchString(roomID) {
		return ErrInvalidRoomID
	}
	return nil
}
