package domain

import "errors"

// Transport-level failures, fatal to the current exchange only.
var (
	ErrLinkTimeout = errors.New("link: read timeout")
	ErrLinkClosed  = errors.New("link: closed")
)

// Command-level failures, surfaced to the calling operation.
var (
	ErrCommandTimeout  = errors.New("modem: command timeout")
	ErrCommandRejected = errors.New("modem: command rejected")
	ErrPromptTimeout   = errors.New("modem: no send prompt")
)

// Socket-level failures, resolved at the manager boundary.
var (
	ErrPoolExhausted = errors.New("modem: no free socket ids")
	ErrOpenTimeout   = errors.New("modem: open timeout")
	ErrSocketClosed  = errors.New("modem: socket closed")
)
