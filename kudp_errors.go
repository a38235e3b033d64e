// Copyright © 2015 Daniel Fu <daniel820313@gmail.com>.
// Copyright © 2019 Loki 'l0k18' Verloren <stalker.loki@protonmail.ch>.
// Copyright © 2021 Gridfinity, LLC. <admin@gridfinity.com>.
// Copyright © 2021 Jeffrey H. Johnson <trnsz@pobox.com>.
//
// All rights reserved.
//
// All use of this code is governed by the MIT license.
// The complete license is available in the LICENSE file.

package kudp // import "github.com/kudpnet/kudp"

// ErrorCode classifies recoverable errors surfaced through OnError. The
// names are stable across language ports of the protocol.
type ErrorCode int

// Error kinds.
const (
	ErrDnsResolve ErrorCode = iota
	ErrSocketError
	ErrConnectionClosed
	ErrTimeout
	ErrCongestion
	ErrInvalidReceive
	ErrInvalidSend
	ErrUnexpected
)

func (e ErrorCode) String() string {
	switch e {
	case ErrDnsResolve:
		return "DnsResolve"
	case ErrSocketError:
		return "SocketError"
	case ErrConnectionClosed:
		return "ConnectionClosed"
	case ErrTimeout:
		return "Timeout"
	case ErrCongestion:
		return "Congestion"
	case ErrInvalidReceive:
		return "InvalidReceive"
	case ErrInvalidSend:
		return "InvalidSend"
	default:
		return "Unexpected"
	}
}

const errInvalidOperation = "invalid operation"
