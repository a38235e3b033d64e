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
	"encoding/binary"
	"sync/atomic"

	"github.com/klauspost/reedsolomon"
)

const (
	fecHeaderSize      = 6
	fecHeaderSizePlus2 = fecHeaderSize + 2 // plus the size field
	// TypeData flags a datagram-bearing shard.
	TypeData = 0xf1
	// TypeParity flags a parity shard.
	TypeParity = 0xf2
)

// FecPacket is a raw-bytes view of one shard: [seqid:4][flag:2][size:2][...].
type FecPacket []byte

func (bts FecPacket) seqid() uint32 {
	return binary.LittleEndian.Uint32(bts)
}

func (bts FecPacket) flag() uint16 {
	return binary.LittleEndian.Uint16(bts[4:])
}

// fecGroup collects the shards of one encoding group as they arrive.
// Slot i holds the shard with seqid ≡ i within the group, or nil.
type fecGroup struct {
	shards   [][]byte
	received int
	dataSeen int
	widest   int // longest shard payload seen, all are padded to this
}

// FecDecoder reconstructs lost datagrams from parity shards. The encoder
// numbers shards so that seqid/groupSize identifies the group and
// seqid%groupSize the slot inside it, which makes placement a map lookup
// instead of an ordered scan. Groups age out in arrival order once more
// than maxGroups are live, bounding memory against reordered or hostile
// traffic.
type FecDecoder struct {
	dataShards   int
	parityShards int
	groupSize    int
	maxGroups    int
	groups       map[uint32]*fecGroup
	order        []uint32 // group ids, oldest first
	work         [][]byte // scratch shard views for the codec
	codec        reedsolomon.Encoder
}

// NewFecDecoder returns a decoder, or nil when the shard configuration
// disables FEC. rxlimit caps buffered shards and must cover at least one
// full group.
func NewFecDecoder(rxlimit, dataShards, parityShards int) *FecDecoder {
	if dataShards <= 0 || parityShards <= 0 {
		return nil
	}
	if rxlimit < dataShards+parityShards {
		return nil
	}
	codec, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil
	}
	dec := &FecDecoder{
		dataShards:   dataShards,
		parityShards: parityShards,
		groupSize:    dataShards + parityShards,
		codec:        codec,
		groups:       make(map[uint32]*fecGroup),
	}
	dec.maxGroups = rxlimit / dec.groupSize
	if dec.maxGroups < 1 {
		dec.maxGroups = 1
	}
	dec.work = make([][]byte, dec.groupSize)
	return dec
}

// Decode ingests one shard and returns any datagrams recovered from
// parity. Returned slices come from xmitBuf and must be returned there by
// the caller.
func (dec *FecDecoder) Decode(in FecPacket) (recovered [][]byte) {
	seqid := in.seqid()
	gid := seqid / uint32(dec.groupSize)
	slot := int(seqid % uint32(dec.groupSize))

	g := dec.groups[gid]
	if g == nil {
		g = &fecGroup{shards: make([][]byte, dec.groupSize)}
		dec.groups[gid] = g
		dec.order = append(dec.order, gid)
		dec.evictStale()
	}
	if g.shards[slot] != nil {
		return nil // duplicate shard
	}

	keep := xmitBuf.Get().([]byte)[:len(in)]
	copy(keep, in)
	g.shards[slot] = keep
	g.received++
	if slot < dec.dataShards {
		g.dataSeen++
	}
	if w := len(in) - fecHeaderSize; w > g.widest {
		g.widest = w
	}

	if g.dataSeen == dec.dataShards {
		// every data shard arrived on its own; nothing to recover
		dec.free(gid, g)
		return nil
	}
	if g.received < dec.dataShards {
		return nil
	}
	recovered = dec.reconstruct(g)
	dec.free(gid, g)
	return recovered
}

// reconstruct pads the present shards to the group width and asks the
// codec to rebuild the missing data shards.
func (dec *FecDecoder) reconstruct(g *fecGroup) (recovered [][]byte) {
	shards := dec.work
	for i := range shards {
		s := g.shards[i]
		if s == nil {
			// zero-length pool buffer; the codec grows it in place
			shards[i] = xmitBuf.Get().([]byte)[:0]
			continue
		}
		payload := s[fecHeaderSize:]
		filled := len(payload)
		payload = payload[:g.widest]
		for j := filled; j < g.widest; j++ {
			payload[j] = 0
		}
		shards[i] = payload
	}

	if err := dec.codec.ReconstructData(shards); err == nil {
		for i := 0; i < dec.dataShards; i++ {
			if g.shards[i] == nil {
				recovered = append(recovered, shards[i])
			}
		}
	}
	// scratch buffers that are not handed to the caller go back now
	for i := range shards {
		if g.shards[i] != nil {
			continue
		}
		if i < dec.dataShards && len(shards[i]) > 0 {
			continue // recovered, caller returns it
		}
		xmitBuf.Put(shards[i])
	}
	return recovered
}

// free releases a group's buffers and forgets it.
func (dec *FecDecoder) free(gid uint32, g *fecGroup) {
	for i, s := range g.shards {
		if s != nil {
			xmitBuf.Put(s)
			g.shards[i] = nil
		}
	}
	delete(dec.groups, gid)
	for i, id := range dec.order {
		if id == gid {
			dec.order = append(dec.order[:i], dec.order[i+1:]...)
			break
		}
	}
}

// evictStale drops the oldest groups once too many are live. An evicted
// group that still held data shards was unrecoverable: count the loss.
func (dec *FecDecoder) evictStale() {
	for len(dec.order) > dec.maxGroups {
		gid := dec.order[0]
		g := dec.groups[gid]
		if g.dataSeen > 0 && g.dataSeen < dec.dataShards {
			atomic.AddUint64(&DefaultSnsi.FECRuntShards, uint64(g.dataSeen))
		}
		dec.free(gid, g)
	}
}

// FecEncoder shards outgoing datagrams and emits parity once every
// dataShards of them have gone out. One staging group is reused for the
// whole session; callers transmit parity before the next group completes.
type FecEncoder struct {
	dataShards   int
	parityShards int
	groupSize    int

	seq      uint32
	seqRound uint32 // wrap point, kept a multiple of groupSize

	collected int // data shards staged so far
	widest    int // longest staged datagram, the group is padded to this

	headerOffset  int
	payloadOffset int

	staging [][]byte // one backing buffer per shard, data then parity
	views   [][]byte // payload views handed to the codec
	codec   reedsolomon.Encoder
}

// NewFecEncoder returns an encoder, or nil when the shard configuration
// disables FEC. offset is where the shard header lives inside outgoing
// datagrams.
func NewFecEncoder(dataShards, parityShards, offset int) *FecEncoder {
	if dataShards <= 0 || parityShards <= 0 {
		return nil
	}
	codec, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil
	}
	enc := &FecEncoder{
		dataShards:    dataShards,
		parityShards:  parityShards,
		groupSize:     dataShards + parityShards,
		headerOffset:  offset,
		payloadOffset: offset + fecHeaderSize,
		codec:         codec,
	}
	// wrapping on a group boundary keeps seqid/groupSize stable across
	// the wrap
	enc.seqRound = (0xFFFFFFFF/uint32(enc.groupSize) - 1) * uint32(enc.groupSize)
	enc.staging = make([][]byte, enc.groupSize)
	for i := range enc.staging {
		enc.staging[i] = make([]byte, MtuLimit)
	}
	enc.views = make([][]byte, enc.groupSize)
	return enc
}

// Encode stamps the shard header and size into b in place, stages a copy,
// and returns the parity datagrams to transmit after b once the group is
// full.
func (enc *FecEncoder) Encode(b []byte) (parity [][]byte) {
	enc.stamp(b[enc.headerOffset:], TypeData)
	binary.LittleEndian.PutUint16(b[enc.payloadOffset:], uint16(len(b)-enc.payloadOffset))

	slot := enc.staging[enc.collected][:len(b)]
	copy(slot[enc.payloadOffset:], b[enc.payloadOffset:])
	enc.staging[enc.collected] = slot
	enc.collected++
	if len(b) > enc.widest {
		enc.widest = len(b)
	}
	if enc.collected < enc.dataShards {
		return nil
	}

	// group complete: pad the staged datagrams to a common width and
	// derive the parity shards over their payload regions
	for i := 0; i < enc.groupSize; i++ {
		filled := len(enc.staging[i])
		if i >= enc.dataShards {
			filled = enc.payloadOffset // codec fills the parity payload
		}
		s := enc.staging[i][:enc.widest]
		for j := filled; j < enc.widest; j++ {
			s[j] = 0
		}
		enc.staging[i] = s
		enc.views[i] = s[enc.payloadOffset:]
	}
	if err := enc.codec.Encode(enc.views); err == nil {
		parity = enc.staging[enc.dataShards:enc.groupSize]
		for i := range parity {
			enc.stamp(parity[i][enc.headerOffset:], TypeParity)
		}
	}
	enc.collected = 0
	enc.widest = 0
	return parity
}

// stamp writes [seqid][flag] and advances the wrap-safe sequence.
func (enc *FecEncoder) stamp(hdr []byte, flag uint16) {
	binary.LittleEndian.PutUint32(hdr, enc.seq)
	binary.LittleEndian.PutUint16(hdr[4:], flag)
	enc.seq++
	if enc.seq >= enc.seqRound {
		enc.seq = 0
	}
}
