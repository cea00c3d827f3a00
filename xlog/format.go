// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package xlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"

	"github.com/dreamsxin/boxcore/vclock"
)

// On-disk layout (little endian throughout):
//
//	header:
//	  magic       [4]byte  "XLG1"
//	  uuid        [16]byte
//	  vclockLen   uint16
//	  vclock      vclockLen * (replicaID uint32, lsn int64)
//	  hasPrev     uint8
//	  prevLen     uint16    (present even if hasPrev == 0, value 0)
//	  prevVclock  prevLen * (replicaID uint32, lsn int64)
//
//	row frame:
//	  kind        uint8    frameRow | frameEOF
//	  replicaID   uint32
//	  lsn         int64
//	  groupID     uint8
//	  timestamp   int64
//	  bodyLen     uint32
//	  body        bodyLen bytes
//	  crc32       uint32   (over everything above, from kind to body)
//
//	EOF marker is a single frame with kind == frameEOF and no payload,
//	followed by the crc32 of its kind byte.

const (
	magic = "XLG1"

	frameRow uint8 = 1
	frameEOF uint8 = 2

	// MaxRowBodySize bounds a single row body to guard against a corrupt
	// length field causing an enormous allocation.
	MaxRowBodySize = 128 << 20
)

func writeClock(w io.Writer, v vclock.V) error {
	keys := make([]uint32, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := binary.Write(w, binary.LittleEndian, k); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, v[k]); err != nil {
			return err
		}
	}
	return nil
}

func readClock(r io.Reader) (vclock.V, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	v := make(vclock.V, n)
	for i := 0; i < int(n); i++ {
		var k uint32
		var lsn int64
		if err := binary.Read(r, binary.LittleEndian, &k); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &lsn); err != nil {
			return nil, err
		}
		v[k] = lsn
	}
	return v, nil
}

// WriteHeader serializes a segment header. The journal writer that produces
// segments in production lives elsewhere; this writer half exists for tests
// and tooling that need to fabricate segments.
func WriteHeader(w io.Writer, h Header) error {
	if _, err := w.Write([]byte(magic)); err != nil {
		return err
	}
	b, err := h.InstanceUUID.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	if err := writeClock(w, h.Vclock); err != nil {
		return err
	}
	hasPrev := uint8(0)
	if h.HasPrevVclock {
		hasPrev = 1
	}
	if err := binary.Write(w, binary.LittleEndian, hasPrev); err != nil {
		return err
	}
	prev := h.PrevVclock
	if !h.HasPrevVclock {
		prev = vclock.V{}
	}
	return writeClock(w, prev)
}

// ReadHeader parses a segment header. It returns (Header{}, false, nil) if
// the magic doesn't match: that is directory noise, not an error.
func ReadHeader(r io.Reader) (Header, bool, error) {
	var m [4]byte
	if _, err := io.ReadFull(r, m[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, false, nil
		}
		return Header{}, false, err
	}
	if string(m[:]) != magic {
		return Header{}, false, nil
	}
	var idBytes [16]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return Header{}, false, nil
	}
	id, err := uuid.FromBytes(idBytes[:])
	if err != nil {
		return Header{}, false, nil
	}
	v, err := readClock(r)
	if err != nil {
		return Header{}, false, nil
	}
	var hasPrev uint8
	if err := binary.Read(r, binary.LittleEndian, &hasPrev); err != nil {
		return Header{}, false, nil
	}
	prev, err := readClock(r)
	if err != nil {
		return Header{}, false, nil
	}
	return Header{
		InstanceUUID:  id,
		Vclock:        v,
		PrevVclock:    prev,
		HasPrevVclock: hasPrev != 0,
	}, true, nil
}

// WriteRow appends one framed row.
func WriteRow(w io.Writer, r Row) error {
	buf := new(crcBuffer)
	buf.writeByte(frameRow)
	buf.writeU32(r.ReplicaID)
	buf.writeI64(r.LSN)
	buf.writeByte(r.GroupID)
	buf.writeI64(r.Timestamp)
	buf.writeU32(uint32(len(r.Body)))
	buf.writeBytes(r.Body)
	_, err := w.Write(buf.finish())
	return err
}

// WriteEOF appends the terminal EOF marker.
func WriteEOF(w io.Writer) error {
	buf := new(crcBuffer)
	buf.writeByte(frameEOF)
	_, err := w.Write(buf.finish())
	return err
}

// crcBuffer accumulates a frame payload and appends its crc32 on finish.
type crcBuffer struct {
	b []byte
}

func (c *crcBuffer) writeByte(b uint8)   { c.b = append(c.b, b) }
func (c *crcBuffer) writeBytes(b []byte) { c.b = append(c.b, b...) }
func (c *crcBuffer) writeU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	c.b = append(c.b, tmp[:]...)
}
func (c *crcBuffer) writeI64(v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	c.b = append(c.b, tmp[:]...)
}
func (c *crcBuffer) finish() []byte {
	sum := crc32.ChecksumIEEE(c.b)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], sum)
	return append(c.b, tmp[:]...)
}

// headerWireSize returns the exact on-disk size of a parsed header, used by
// the cursor to know where the first frame starts when it has to rewind a
// torn read.
func headerWireSize(h Header) int64 {
	// magic + uuid + vclockLen + entries + hasPrev + prevLen + entries
	return int64(4 + 16 + 2 + 12*len(h.Vclock) + 1 + 2 + 12*len(h.PrevVclock))
}

// rowWireSize returns the on-disk size of one row frame.
func rowWireSize(r Row) int64 {
	// kind + replicaID + lsn + groupID + timestamp + bodyLen + body + crc
	return int64(1 + 4 + 8 + 1 + 8 + 4 + len(r.Body) + 4)
}

// eofWireSize is the on-disk size of the terminal EOF marker frame.
const eofWireSize = 1 + 4

// readFrameKind consumes and returns the next frame's kind byte.
func readFrameKind(r *bufio.Reader) (uint8, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	return b, nil
}

// readRowFrame reads the remainder of a row frame (kind byte already
// consumed) and validates its checksum.
func readRowFrame(r *bufio.Reader) (Row, error) {
	hdr := make([]byte, 4+8+1+8+4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Row{}, err
	}
	replicaID := binary.LittleEndian.Uint32(hdr[0:4])
	lsn := int64(binary.LittleEndian.Uint64(hdr[4:12]))
	groupID := hdr[12]
	ts := int64(binary.LittleEndian.Uint64(hdr[13:21]))
	bodyLen := binary.LittleEndian.Uint32(hdr[21:25])
	if bodyLen > MaxRowBodySize {
		return Row{}, fmt.Errorf("%w: row body length %d exceeds maximum", ErrCorruption, bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Row{}, err
	}
	var crcBytes [4]byte
	if _, err := io.ReadFull(r, crcBytes[:]); err != nil {
		return Row{}, err
	}
	wantCRC := binary.LittleEndian.Uint32(crcBytes[:])

	check := new(crcBuffer)
	check.writeByte(frameRow)
	check.b = append(check.b, hdr[:21]...)
	check.writeU32(bodyLen)
	check.writeBytes(body)
	gotCRC := crc32.ChecksumIEEE(check.b)
	if gotCRC != wantCRC {
		return Row{}, fmt.Errorf("%w: row checksum mismatch", ErrCorruption)
	}

	return Row{
		ReplicaID: replicaID,
		LSN:       lsn,
		GroupID:   groupID,
		Timestamp: ts,
		Body:      body,
	}, nil
}
