package replica

import "collabtext/internal/event"

// Fragment is the editable text of a replica. Positions count runes of the
// visible text.
type Fragment struct {
	r       *Replica
	changes *event.Bus[struct{}]
}

// Insert inserts text before position pos.
func (f *Fragment) Insert(pos int, text string) error {
	if text == "" {
		return nil
	}
	f.r.mu.Lock()
	if f.r.disposed {
		f.r.mu.Unlock()
		return ErrDisposed
	}
	ops, err := f.r.doc.Insert(pos, text)
	f.r.mu.Unlock()
	if err != nil {
		return err
	}
	return f.r.emit(ops, nil)
}

// Delete removes n characters starting at pos.
func (f *Fragment) Delete(pos, n int) error {
	if n == 0 {
		return nil
	}
	f.r.mu.Lock()
	if f.r.disposed {
		f.r.mu.Unlock()
		return ErrDisposed
	}
	ops, err := f.r.doc.Delete(pos, n)
	f.r.mu.Unlock()
	if err != nil {
		return err
	}
	return f.r.emit(ops, nil)
}

// String returns the visible text. A disposed fragment reads as empty.
func (f *Fragment) String() string {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.disposed {
		return ""
	}
	return f.r.doc.String()
}

// Len returns the number of visible characters.
func (f *Fragment) Len() int {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.disposed {
		return 0
	}
	return f.r.doc.Len()
}

// Observe registers fn to run after every local or remote change.
func (f *Fragment) Observe(fn func()) (unsubscribe func()) {
	return f.changes.Subscribe(func(struct{}) { fn() })
}
