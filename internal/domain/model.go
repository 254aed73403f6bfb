package domain

// SocketState tracks a modem-side virtual socket through its life.
// Closed and Failed are terminal: a socket never re-opens, a fresh id
// is allocated for a new connection attempt.
type SocketState int32

const (
	SocketIdle SocketState = iota
	SocketOpening
	SocketOpen
	SocketClosing
	SocketClosed
	SocketFailed
)

func (s SocketState) String() string {
	switch s {
	case SocketIdle:
		return "idle"
	case SocketOpening:
		return "opening"
	case SocketOpen:
		return "open"
	case SocketClosing:
		return "closing"
	case SocketClosed:
		return "closed"
	case SocketFailed:
		return "failed"
	}
	return "unknown"
}

const (
	SocksVersion5 = 0x05
	CmdConnect    = 0x01
	AtypIPv4      = 0x01
	AtypDomain    = 0x03
	AtypIPv6      = 0x04

	ReplySucceeded        = 0x00
	ReplyGeneralFailure   = 0x01
	ReplyCmdNotSupported  = 0x07
	ReplyAtypNotSupported = 0x08

	// NoAcceptableMethods answers a greeting that does not offer
	// "no authentication".
	NoAcceptableMethods = 0xFF
)
