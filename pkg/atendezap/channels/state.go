package channels

// State is the per-session connection state machine:
//
//	uninitialized → initializing → pairing_ready ⇄ (regenerate)
//	  → authenticated → connected → {disconnected, error}
//
// disconnected and error are terminal until a fresh Connect restarts
// from initializing. auth_failed marks a fatal authentication loss
// (logged out, banned) that requires user-initiated re-pairing.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StatePairingReady  State = "pairing_ready"
	StateAuthenticated State = "authenticated"
	StateConnected     State = "connected"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
	StateAuthFailed    State = "auth_failed"
)

// Terminal reports whether the state requires a fresh Connect to leave.
func (s State) Terminal() bool {
	switch s {
	case StateDisconnected, StateError, StateAuthFailed:
		return true
	}
	return false
}
