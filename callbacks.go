package mtproto

// ConnectionState is the value a Sender reports to UpdateCallback whenever
// its transport lifecycle changes.
type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnected
	ConnectionStateBroken
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// UpdateConnectionState is delivered through UpdateCallback on every
// transport lifecycle transition (connect success/failure, auth-key-404 on
// the main sender).
type UpdateConnectionState struct {
	State ConnectionState
}

// ConstructorID lets UpdateConnectionState flow through the same TL-typed
// UpdateCallback as real server updates; it has no wire constructor of its
// own since it never crosses the network.
func (UpdateConnectionState) ConstructorID() uint32 { return 0 }

// AuthKeyCallback fires exactly once per freshly negotiated auth key.
type AuthKeyCallback func(authKey []byte, dcID int32)

// UpdateCallback is fired both with UpdateConnectionState transitions and
// with every decoded server update (obj.SubclassOfID() == SubclassOfUpdates).
type UpdateCallback func(client interface{}, update TL)

// AutoReconnectCallback fires once after a successful involuntary
// reconnect.
type AutoReconnectCallback func()

// OnConnectionBreak fires on a non-main-sender auth-key-404; dcID is the
// Options.DcID this sender was configured with.
type OnConnectionBreak func(dcID int32)
