package pipeline

import "time"

// recordState is the coordinator's mutable bookkeeping for one candidate.
// All access happens on the coordinator loop.
type recordState struct {
	candidate  Candidate
	status     Status
	attempt    int
	lastErr    error
	terminalAt time.Time
}

func (r *recordState) reset() {
	r.candidate = Candidate{}
	r.status = ""
	r.attempt = 0
	r.lastErr = nil
	r.terminalAt = time.Time{}
}

// recordArena is a free-list backed store of record slots. Slots are reused
// by explicit field reset rather than reallocation, keeping steady-state
// submission allocation-free once the arena has warmed up.
type recordArena struct {
	slots []*recordState
	free  []int
}

func newRecordArena(capHint int) *recordArena {
	if capHint <= 0 {
		capHint = 64
	}
	a := &recordArena{
		slots: make([]*recordState, 0, capHint),
		free:  make([]int, 0, capHint),
	}
	for i := 0; i < capHint; i++ {
		a.slots = append(a.slots, &recordState{})
		a.free = append(a.free, capHint-1-i)
	}
	return a
}

// alloc returns a clean slot and its index, growing the arena when the free
// list is empty.
func (a *recordArena) alloc() (int, *recordState) {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		return idx, a.slots[idx]
	}
	idx := len(a.slots)
	a.slots = append(a.slots, &recordState{})
	return idx, a.slots[idx]
}

// release resets a slot and returns it to the free list.
func (a *recordArena) release(idx int) {
	a.slots[idx].reset()
	a.free = append(a.free, idx)
}

func (a *recordArena) get(idx int) *recordState {
	return a.slots[idx]
}
