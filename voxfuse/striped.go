package voxfuse

import "sync"

// DefaultStripeBits sizes StripedLocks at 4096 mutexes. With a uniform
// hash, the chance of two workers contending on unrelated voxels is
// roughly numWorkers / 4096.
const DefaultStripeBits = 12

// StripedLocks is a fixed pool of mutexes indexed by the hashed low bits
// of a global voxel coordinate. It serializes voxel-level read-modify-write
// sequences without paying per-voxel mutex memory. A goroutine must hold at
// most one stripe at a time; stripes are not reentrant.
type StripedLocks struct {
	bits    uint
	stripes []sync.Mutex
}

// NewStripedLocks returns a pool of 1<<bits mutexes.
func NewStripedLocks(bits uint) *StripedLocks {
	return &StripedLocks{
		bits:    bits,
		stripes: make([]sync.Mutex, 1<<bits),
	}
}

// Lock acquires the stripe for the given voxel. The stripe must be held for
// the entire read-modify-write of that voxel.
func (s *StripedLocks) Lock(idx Point3d) {
	s.stripes[idx.Hash(s.bits)].Lock()
}

// Unlock releases the stripe for the given voxel.
func (s *StripedLocks) Unlock(idx Point3d) {
	s.stripes[idx.Hash(s.bits)].Unlock()
}
