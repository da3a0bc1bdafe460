package collab

// Status is the connection status of a session.
//
//	Disabled                          (terminal, set at construction)
//	Initializing -> Connecting -> Connected -> Synced
//	any live status -> Disconnected -> Connecting ...
//	any status -> Destroyed           (terminal)
//
// The relay moves from Connected to Synced immediately; the mesh only after
// its first reconciliation with a peer.
type Status int

const (
	StatusDisabled Status = iota
	StatusInitializing
	StatusConnecting
	StatusConnected
	StatusSynced
	StatusDisconnected
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusInitializing:
		return "initializing"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSynced:
		return "synced"
	case StatusDisconnected:
		return "disconnected"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// connected reports whether s counts as connected for the host UI.
func (s Status) connected() bool {
	return s == StatusConnected || s == StatusSynced
}
