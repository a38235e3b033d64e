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
	"crypto/rand"
	"encoding/binary"
	"io"

	hh "github.com/minio/highwayhash"
)

// entropySource stretches one crypto/rand seed into a keyed hash chain:
// block(n+1) = highwayhash(block(n), key). Cookie churn on a busy server
// never goes back to the kernel pool, and two sources can never share a
// chain. Not safe for concurrent use; each owner keeps its own.
type entropySource struct {
	key    [hh.Size]byte
	block  [hh.Size]byte
	offset int
}

func newEntropySource() *entropySource {
	e := new(entropySource)
	if _, err := io.ReadFull(rand.Reader, e.key[:]); err != nil {
		panic("kudp: entropy: crypto/rand unavailable")
	}
	e.block = hh.Sum(e.key[:], e.key[:])
	return e
}

// Read fills p from the chain, hashing forward as blocks drain. It never
// fails; the signature is io.Reader's for callers that want one.
func (e *entropySource) Read(p []byte) (int, error) {
	for filled := 0; filled < len(p); {
		if e.offset == len(e.block) {
			e.block = hh.Sum(e.block[:], e.key[:])
			e.offset = 0
		}
		n := copy(p[filled:], e.block[e.offset:])
		e.offset += n
		filled += n
	}
	return len(p), nil
}

// cookie draws a nonzero 32-bit session cookie; zero is what a client
// sends before its handshake completes, so it can never be assigned.
func (e *entropySource) cookie() uint32 {
	var b [4]byte
	for {
		e.Read(b[:])
		if c := binary.LittleEndian.Uint32(b[:]); c != 0 {
			return c
		}
	}
}
