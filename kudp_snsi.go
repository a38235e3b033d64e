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
	"fmt"
	"sync/atomic"
)

// Snsi == Simple Network Statistics Indicators
type Snsi struct {
	BytesSent                 uint64 // Payload bytes accepted from the application
	BytesReceived             uint64 // Payload bytes delivered to the application
	MaxConn                   uint64 // Max number of concurrent peers ever reached
	ActiveOpen                uint64 // Accumulated client connects
	PassiveOpen               uint64 // Accumulated server-side accepts
	NowEstablished            uint64 // Current number of authenticated peers
	HandshakesRejected        uint64 // Provisional peers discarded without a valid hello
	CookieDrops               uint64 // Datagrams dropped for a cookie mismatch
	PreInputErrors            uint64 // Datagrams dropped before protocol input
	InputErrors               uint64 // Malformed segment batches rejected by Input
	InputPackets              uint64 // Incoming datagram count
	OutputPackets             uint64 // Outgoing datagram count
	InputSegments             uint64 // Incoming segment count
	OutputSegments            uint64 // Outgoing segment count
	InputBytes                uint64 // Raw bytes received
	OutputBytes               uint64 // Raw bytes sent
	RetransmittedSegments     uint64 // Accumulated retransmitted segments
	FastRetransmittedSegments uint64 // Accumulated fast retransmitted segments
	LostSegments              uint64 // Segments inferred as lost
	DupSegments               uint64 // PUSH segments dropped as duplicates or beyond the receive window
	PeersTimedOut             uint64 // Peers dropped for silence
	PeersChoked               uint64 // Peers dropped over the queue threshold
	DeadLinks                 uint64 // Peers dropped for retransmit exhaustion
	FECRecovered              uint64 // Datagrams recovered from parity shards
	FECFailures               uint64 // Incorrect packets recovered from FEC
	FECParityShards           uint64 // Parity shards received
	FECRuntShards             uint64 // Data shards in groups evicted short of recovery
}

func newSnsi() *Snsi {
	return new(Snsi)
}

// Header returns all field names.
func (s *Snsi) Header() []string {
	return []string{
		"BytesSent",
		"BytesReceived",
		"MaxConn",
		"ActiveOpen",
		"PassiveOpen",
		"NowEstablished",
		"HandshakesRejected",
		"CookieDrops",
		"PreInputErrors",
		"InputErrors",
		"InputPackets",
		"OutputPackets",
		"InputSegments",
		"OutputSegments",
		"InputBytes",
		"OutputBytes",
		"RetransmittedSegments",
		"FastRetransmittedSegments",
		"LostSegments",
		"DupSegments",
		"PeersTimedOut",
		"PeersChoked",
		"DeadLinks",
		"FECRecovered",
		"FECFailures",
		"FECParityShards",
		"FECRuntShards",
	}
}

// ToSlice returns the current Snsi snapshot as a slice, aligned with Header.
func (s *Snsi) ToSlice() []string {
	snsi := s.Copy()
	return []string{
		fmt.Sprint(snsi.BytesSent),
		fmt.Sprint(snsi.BytesReceived),
		fmt.Sprint(snsi.MaxConn),
		fmt.Sprint(snsi.ActiveOpen),
		fmt.Sprint(snsi.PassiveOpen),
		fmt.Sprint(snsi.NowEstablished),
		fmt.Sprint(snsi.HandshakesRejected),
		fmt.Sprint(snsi.CookieDrops),
		fmt.Sprint(snsi.PreInputErrors),
		fmt.Sprint(snsi.InputErrors),
		fmt.Sprint(snsi.InputPackets),
		fmt.Sprint(snsi.OutputPackets),
		fmt.Sprint(snsi.InputSegments),
		fmt.Sprint(snsi.OutputSegments),
		fmt.Sprint(snsi.InputBytes),
		fmt.Sprint(snsi.OutputBytes),
		fmt.Sprint(snsi.RetransmittedSegments),
		fmt.Sprint(snsi.FastRetransmittedSegments),
		fmt.Sprint(snsi.LostSegments),
		fmt.Sprint(snsi.DupSegments),
		fmt.Sprint(snsi.PeersTimedOut),
		fmt.Sprint(snsi.PeersChoked),
		fmt.Sprint(snsi.DeadLinks),
		fmt.Sprint(snsi.FECRecovered),
		fmt.Sprint(snsi.FECFailures),
		fmt.Sprint(snsi.FECParityShards),
		fmt.Sprint(snsi.FECRuntShards),
	}
}

// Copy makes a consistent-enough snapshot of the counters.
func (s *Snsi) Copy() *Snsi {
	d := newSnsi()
	d.BytesSent = atomic.LoadUint64(&s.BytesSent)
	d.BytesReceived = atomic.LoadUint64(&s.BytesReceived)
	d.MaxConn = atomic.LoadUint64(&s.MaxConn)
	d.ActiveOpen = atomic.LoadUint64(&s.ActiveOpen)
	d.PassiveOpen = atomic.LoadUint64(&s.PassiveOpen)
	d.NowEstablished = atomic.LoadUint64(&s.NowEstablished)
	d.HandshakesRejected = atomic.LoadUint64(&s.HandshakesRejected)
	d.CookieDrops = atomic.LoadUint64(&s.CookieDrops)
	d.PreInputErrors = atomic.LoadUint64(&s.PreInputErrors)
	d.InputErrors = atomic.LoadUint64(&s.InputErrors)
	d.InputPackets = atomic.LoadUint64(&s.InputPackets)
	d.OutputPackets = atomic.LoadUint64(&s.OutputPackets)
	d.InputSegments = atomic.LoadUint64(&s.InputSegments)
	d.OutputSegments = atomic.LoadUint64(&s.OutputSegments)
	d.InputBytes = atomic.LoadUint64(&s.InputBytes)
	d.OutputBytes = atomic.LoadUint64(&s.OutputBytes)
	d.RetransmittedSegments = atomic.LoadUint64(&s.RetransmittedSegments)
	d.FastRetransmittedSegments = atomic.LoadUint64(&s.FastRetransmittedSegments)
	d.LostSegments = atomic.LoadUint64(&s.LostSegments)
	d.DupSegments = atomic.LoadUint64(&s.DupSegments)
	d.PeersTimedOut = atomic.LoadUint64(&s.PeersTimedOut)
	d.PeersChoked = atomic.LoadUint64(&s.PeersChoked)
	d.DeadLinks = atomic.LoadUint64(&s.DeadLinks)
	d.FECRecovered = atomic.LoadUint64(&s.FECRecovered)
	d.FECFailures = atomic.LoadUint64(&s.FECFailures)
	d.FECParityShards = atomic.LoadUint64(&s.FECParityShards)
	d.FECRuntShards = atomic.LoadUint64(&s.FECRuntShards)
	return d
}

// Reset sets all Snsi values to zero.
func (s *Snsi) Reset() {
	atomic.StoreUint64(&s.BytesSent, 0)
	atomic.StoreUint64(&s.BytesReceived, 0)
	atomic.StoreUint64(&s.MaxConn, 0)
	atomic.StoreUint64(&s.ActiveOpen, 0)
	atomic.StoreUint64(&s.PassiveOpen, 0)
	atomic.StoreUint64(&s.NowEstablished, 0)
	atomic.StoreUint64(&s.HandshakesRejected, 0)
	atomic.StoreUint64(&s.CookieDrops, 0)
	atomic.StoreUint64(&s.PreInputErrors, 0)
	atomic.StoreUint64(&s.InputErrors, 0)
	atomic.StoreUint64(&s.InputPackets, 0)
	atomic.StoreUint64(&s.OutputPackets, 0)
	atomic.StoreUint64(&s.InputSegments, 0)
	atomic.StoreUint64(&s.OutputSegments, 0)
	atomic.StoreUint64(&s.InputBytes, 0)
	atomic.StoreUint64(&s.OutputBytes, 0)
	atomic.StoreUint64(&s.RetransmittedSegments, 0)
	atomic.StoreUint64(&s.FastRetransmittedSegments, 0)
	atomic.StoreUint64(&s.LostSegments, 0)
	atomic.StoreUint64(&s.DupSegments, 0)
	atomic.StoreUint64(&s.PeersTimedOut, 0)
	atomic.StoreUint64(&s.PeersChoked, 0)
	atomic.StoreUint64(&s.DeadLinks, 0)
	atomic.StoreUint64(&s.FECRecovered, 0)
	atomic.StoreUint64(&s.FECFailures, 0)
	atomic.StoreUint64(&s.FECParityShards, 0)
	atomic.StoreUint64(&s.FECRuntShards, 0)
}

// DefaultSnsi is the default statistics collector.
var DefaultSnsi *Snsi

func init() {
	DefaultSnsi = newSnsi()
}
