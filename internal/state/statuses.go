package state

// LockStatus is the persisted lifecycle status of a lock row.
type LockStatus string

const (
	StatusActive   LockStatus = "active"
	StatusReleased LockStatus = "released"
)

func (s LockStatus) String() string {
	return string(s)
}

// LockPhase is the two-phase locking phase of the transaction owning a lock.
type LockPhase string

const (
	PhaseGrowing   LockPhase = "growing"
	PhaseShrinking LockPhase = "shrinking"
)

func (p LockPhase) String() string {
	return string(p)
}

var AllStatuses = []LockStatus{
	StatusActive,
	StatusReleased,
}

var AllPhases = []LockPhase{
	PhaseGrowing,
	PhaseShrinking,
}

type StatusTransition struct {
	From LockStatus
	To   LockStatus
}

type PhaseTransition struct {
	From LockPhase
	To   LockPhase
}

// Status only ever moves forward, once.
var ValidStatusTransitions = []StatusTransition{
	{From: StatusActive, To: StatusReleased},
}

// A transaction never grows again after it started shrinking.
var ValidPhaseTransitions = []PhaseTransition{
	{From: PhaseGrowing, To: PhaseShrinking},
}

func IsValidStatusTransition(from, to LockStatus) bool {
	for _, t := range ValidStatusTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

func IsValidPhaseTransition(from, to LockPhase) bool {
	for _, t := range ValidPhaseTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
