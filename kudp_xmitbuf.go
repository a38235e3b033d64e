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

import (
	"sync"
	"time"
)

// MtuLimit bounds every buffer that can hold a raw datagram.
const MtuLimit = 9000

// pollInterval bounds how long one tick may sit on the socket.
const pollInterval = time.Millisecond

// xmitBuf pools max-MTU byte slices backing segment payloads and raw
// datagram copies. Not safe to share across tick threads; each engine must
// stay confined to the goroutine that ticks it.
var xmitBuf sync.Pool

func init() {
	xmitBuf.New = func() interface{} {
		return make([]byte, MtuLimit)
	}
}

var refTime = time.Now()

// CurrentMs is the session layer's millisecond clock: monotonic, 32-bit,
// wrap-safe under _itimediff comparison.
func CurrentMs() uint32 {
	return uint32(time.Since(refTime) / time.Millisecond)
}
