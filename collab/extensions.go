package collab

import (
	"collabtext/identity"
	"collabtext/presence"
	"collabtext/replica"
	"collabtext/transport"
)

// CursorField is the awareness field carrying a participant's selection.
const CursorField = "cursor"

// Extension is an editor binding. Hosts type-switch on the concrete
// extensions they know how to mount.
type Extension interface {
	Name() string
}

// Collaboration binds the editor content to the shared document.
type Collaboration struct {
	Fragment *replica.Fragment
}

func (Collaboration) Name() string { return "collaboration" }

// Cursor is a selection in document positions. Anchor equals Head for a
// collapsed caret.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// RemoteCursor is a participant's selection together with who they are.
type RemoteCursor struct {
	presence.User
	Cursor Cursor
}

// CollaborationCaret shares the local selection and exposes everybody's.
type CollaborationCaret struct {
	provider transport.Provider
	user     identity.User
}

func (*CollaborationCaret) Name() string { return "collaborationCaret" }

// User returns the identity the caret was configured with.
func (c *CollaborationCaret) User() identity.User { return c.user }

// SetCursor publishes the local selection.
func (c *CollaborationCaret) SetCursor(anchor, head int) error {
	return c.provider.SetLocalAwarenessField(CursorField, Cursor{Anchor: anchor, Head: head})
}

// ClearCursor withdraws the local selection, e.g. when the editor loses
// focus.
func (c *CollaborationCaret) ClearCursor() error {
	return c.provider.SetLocalAwarenessField(CursorField, nil)
}

// Cursors returns the selections of every participant that has both a user
// and a cursor, ordered by client ID.
func (c *CollaborationCaret) Cursors() []RemoteCursor {
	states := c.provider.GetAwarenessStates()
	out := make([]RemoteCursor, 0, len(states))
	for _, u := range presence.Snapshot(states) {
		var cur Cursor
		if states[u.ID].Decode(CursorField, &cur) {
			out = append(out, RemoteCursor{User: u, Cursor: cur})
		}
	}
	return out
}
