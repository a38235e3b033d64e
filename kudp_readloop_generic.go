// Copyright © 2015 Daniel Fu <daniel820313@gmail.com>.
// Copyright © 2019 Loki 'l0k18' Verloren <stalker.loki@protonmail.ch>.
// Copyright © 2021 Gridfinity, LLC. <admin@gridfinity.com>.
// Copyright © 2021 Jeffrey H. Johnson <trnsz@pobox.com>.
//
// All rights reserved.
//
// All use of this code is governed by the MIT license.
// The complete license is available in the LICENSE file.

//go:build !linux
// +build !linux

package kudp // import "github.com/kudpnet/kudp"

import (
	"net"
	"time"
)

// drainState holds per-socket receive scratch for the polling drain.
type drainState struct {
	bound *net.UDPConn
	buf   []byte
}

// drain empties the socket without blocking the tick for longer than
// pollInterval. Each datagram goes to handler with its source address
// (nil on connected sockets under some stacks).
func (d *drainState) drain(conn *net.UDPConn, handler func([]byte, *net.UDPAddr), log *Logger) {
	if d.bound != conn {
		d.bound = conn
		d.buf = make([]byte, MtuLimit)
	}
	if err := conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
		return
	}
	for {
		n, addr, err := conn.ReadFromUDP(d.buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return // drained
			}
			// ICMP unreachable and friends: a peer that is really
			// gone is cleaned up by the session timeout
			log.Warning("kudp: socket receive: %v", err)
			return
		}
		handler(d.buf[:n], addr)
	}
}
