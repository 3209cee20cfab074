package twophase

import "github.com/RezaEskandarii/txlock/types"

// IsLockCompatible reports whether a lock of mode requested may be granted
// while existing is held. A transaction never conflicts with itself; across
// transactions only shared/shared is compatible.
func IsLockCompatible(existing, requested types.LockType, sameTransaction bool) bool {
	if sameTransaction {
		return true
	}
	return existing == types.Shared && requested == types.Shared
}

// covers reports whether holding mode held already grants requested, so a
// repeated request can return the held lock.
func covers(held, requested types.LockType) bool {
	return held == types.Exclusive || requested == types.Shared
}
