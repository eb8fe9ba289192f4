package record

// State is the resolution state of a record after applying updates.
type State uint8

const (
	// StateNotProvided means no update has been seen.
	StateNotProvided State = iota
	// StateIncomplete means only partial updates have been seen so far.
	StateIncomplete
	// StateFull means a value has been resolved.
	StateFull
	// StateDeleted means a tombstone has been reached.
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateNotProvided:
		return "not_provided"
	case StateIncomplete:
		return "incomplete"
	case StateFull:
		return "full"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Data accumulates the updates for one key, newest first.
//
// Once StateFull or StateDeleted is reached the record is final and further (older)
// updates are ignored.
type Data struct {
	State State
	Value []byte

	// fragments holds partial updates, newest first.
	fragments [][]byte
}

// Final reports whether older updates can no longer change d.
func (d *Data) Final() bool {
	return d.State == StateFull || d.State == StateDeleted
}

// Apply folds the next older update into d.
func (d *Data) Apply(u Update) {
	if d.Final() {
		return
	}
	switch u.Kind {
	case UpdateFull:
		d.State = StateFull
		d.Value = d.withFragments(u.Value)
		d.fragments = nil
	case UpdateDelete:
		if len(d.fragments) > 0 {
			d.State = StateFull
			d.Value = d.withFragments(nil)
			d.fragments = nil
			return
		}
		d.State = StateDeleted
		d.Value = nil
	case UpdatePartial:
		d.State = StateIncomplete
		d.fragments = append(d.fragments, u.Value)
	}
}

// Seal resolves an incomplete record as if its fragments were applied to an
// empty value. It is called once every source has been consulted.
func (d *Data) Seal() {
	if d.State == StateIncomplete {
		d.State = StateFull
		d.Value = d.withFragments(nil)
		d.fragments = nil
	}
}

// Update returns the single update equivalent to everything applied so far.
// Incomplete records produce a partial update carrying the joined fragments.
func (d *Data) Update() Update {
	switch d.State {
	case StateFull:
		return Update{Kind: UpdateFull, Value: d.Value}
	case StateDeleted:
		return Tombstone()
	default:
		return Partial(d.withFragments(nil))
	}
}

func (d *Data) withFragments(base []byte) []byte {
	if len(d.fragments) == 0 {
		return base
	}
	n := len(base)
	for _, f := range d.fragments {
		n += len(f)
	}
	out := make([]byte, 0, n)
	out = append(out, base...)
	for i := len(d.fragments) - 1; i >= 0; i-- {
		out = append(out, d.fragments[i]...)
	}
	return out
}
