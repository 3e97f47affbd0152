package session

// State is the session lifecycle position. Transitions:
//
//	Disconnected -> LogonPending   transport up, Logon sent
//	LogonPending -> Active         Logon acknowledged
//	Active       -> LogoutPending  we initiated Logout
//	any          -> Disconnected   Logout completed, transport failure,
//	                               or heartbeat/sequence failure
type State int32

const (
	StateDisconnected State = iota
	StateLogonPending
	StateActive
	StateLogoutPending
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateLogonPending:
		return "LOGON_PENDING"
	case StateActive:
		return "ACTIVE"
	case StateLogoutPending:
		return "LOGOUT_PENDING"
	default:
		return "UNKNOWN"
	}
}
