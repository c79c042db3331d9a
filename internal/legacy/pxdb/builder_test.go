package pxdb

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// tableSpec describes a synthetic table file for tests.
type tableSpec struct {
	codePage  byte
	keyFields int
	blockKB   byte
	fields    []Field
	extraName []string // written before the field names
	records   [][]byte
	declared  int // -1 means len(records)
	perBlock  int // records per block when blockKB is set
}

func (s tableSpec) recordSize() int {
	n := 0
	for _, f := range s.fields {
		n += f.Size
	}
	return n
}

func (s tableSpec) bytes() []byte {
	var names []byte
	for _, n := range s.extraName {
		names = append(names, []byte(n)...)
		names = append(names, 0)
	}
	for _, f := range s.fields {
		names = append(names, []byte(f.Name)...)
		names = append(names, 0)
	}

	headerSize := offFieldDescs + 2*len(s.fields) + keySlotSize*s.keyFields + len(names)
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(hdr[offRecordSize:], uint16(s.recordSize()))
	binary.LittleEndian.PutUint16(hdr[offHeaderSize:], uint16(headerSize))
	hdr[offBlockSizeKB] = s.blockKB
	declared := s.declared
	if declared < 0 {
		declared = len(s.records)
	}
	binary.LittleEndian.PutUint32(hdr[offNumRecords:], uint32(declared))
	hdr[offFieldCount] = byte(len(s.fields))
	hdr[offKeyFields] = byte(s.keyFields)
	hdr[offCodePage] = s.codePage
	for i, f := range s.fields {
		hdr[offFieldDescs+2*i] = f.Type
		hdr[offFieldDescs+2*i+1] = byte(f.Size)
	}
	copy(hdr[offFieldDescs+2*len(s.fields)+keySlotSize*s.keyFields:], names)

	if s.blockKB == 0 {
		out := append(hdr, make([]byte, blockHeaderSize)...)
		for _, r := range s.records {
			out = append(out, r...)
		}
		return out
	}

	blockSize := int(s.blockKB) * 1024
	out := hdr
	for start := 0; start < len(s.records); start += s.perBlock {
		end := start + s.perBlock
		if end > len(s.records) {
			end = len(s.records)
		}
		block := make([]byte, blockSize)
		binary.LittleEndian.PutUint16(block[4:], uint16((end-start-1)*s.recordSize()))
		off := blockHeaderSize
		for _, r := range s.records[start:end] {
			copy(block[off:], r)
			off += len(r)
		}
		out = append(out, block...)
	}
	return out
}

func writeTable(t *testing.T, dir, name string, s tableSpec) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, s.bytes(), 0o644); err != nil {
		t.Fatalf("write table: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// Value encoders, the inverse of the decoders under test.
// ---------------------------------------------------------------------------

func encFlipped(v int64, n int) []byte {
	u := uint64(v) ^ (1 << (uint(n)*8 - 1))
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

func encShort(v int16) []byte    { return encFlipped(int64(v), 2) }
func encLong(v int32) []byte     { return encFlipped(int64(v), 4) }
func encCurrency(v int64) []byte { return encFlipped(v, 8) }

func encDouble(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) == 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, bits)
	return b
}

func encAlpha(s string, size int) []byte {
	b := make([]byte, size)
	copy(b, s)
	return b
}

func encBCD(negative bool, digits string) []byte {
	// digits holds exactly 32 decimal characters.
	b := make([]byte, bcdWidth)
	if negative {
		b[0] = 0x80
	}
	for i := 0; i < 16; i++ {
		b[i+1] = (digits[2*i]-'0')<<4 | (digits[2*i+1] - '0')
	}
	return b
}

func record(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
