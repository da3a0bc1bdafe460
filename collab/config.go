package collab

import (
	"strings"

	"collabtext/identity"
	"collabtext/transport"
)

// Config selects and configures the backend of a session. Room and Host
// select the hosted relay; DocumentName selects the peer mesh. When both are
// present the relay wins. Anything less yields a disabled session.
type Config struct {
	// User is the local identity. A nil or nameless user gets a generated
	// one.
	User *identity.User

	Room string
	Host string

	DocumentName     string
	SignalingServers []string
	// ListenAddr is the mesh peer listener, see mesh.DefaultListenAddr.
	ListenAddr string

	// PersistPath, when set, keeps a local copy of the document in a bbolt
	// file so edits survive restarts while offline.
	PersistPath string

	// Enabled set to false forces a disabled session.
	Enabled *bool
}

// Backend returns the backend the configuration selects.
func (c Config) Backend() transport.Kind {
	if c.Enabled != nil && !*c.Enabled {
		return transport.KindDisabled
	}
	switch {
	case strings.TrimSpace(c.Room) != "" && strings.TrimSpace(c.Host) != "":
		return transport.KindRelay
	case strings.TrimSpace(c.DocumentName) != "":
		return transport.KindMesh
	default:
		return transport.KindDisabled
	}
}

// documentKey names the document in local persistence.
func (c Config) documentKey() string {
	if c.Backend() == transport.KindRelay {
		return "relay:" + c.Host + "/" + c.Room
	}
	return "mesh:" + c.DocumentName
}

// UserPatch is a partial user update. Nil fields are left untouched.
type UserPatch struct {
	Name   *string
	Color  *string
	Avatar *string
}

func (p UserPatch) apply(u identity.User) identity.User {
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Color != nil {
		u.Color = *p.Color
	}
	if p.Avatar != nil {
		u.Avatar = *p.Avatar
	}
	return u
}
