package vault

// Reverter is implemented by collaborators whose side effects can be rolled
// back. A vault snapshots every Reverter before a state-changing call and
// reverts all of them if the call fails.
type Reverter interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

type checkpoint struct {
	reverters []Reverter
	ids       []int
}

func newCheckpoint(collaborators ...interface{}) *checkpoint {
	cp := &checkpoint{}
	for _, c := range collaborators {
		r, ok := c.(Reverter)
		if !ok || r == nil {
			continue
		}
		cp.reverters = append(cp.reverters, r)
		cp.ids = append(cp.ids, r.Snapshot())
	}
	return cp
}

func (cp *checkpoint) revert() {
	for i := len(cp.reverters) - 1; i >= 0; i-- {
		cp.reverters[i].RevertToSnapshot(cp.ids[i])
	}
}

func (cp *checkpoint) commit() {
	for i := len(cp.reverters) - 1; i >= 0; i-- {
		cp.reverters[i].DiscardSnapshot(cp.ids[i])
	}
}
