package pxdb

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Fixed header offsets.
const (
	offRecordSize  = 0x00
	offHeaderSize  = 0x02
	offBlockSizeKB = 0x05
	offNumRecords  = 0x06
	offFieldCount  = 0x21
	offKeyFields   = 0x22
	offCodePage    = 0x6A
	offFieldDescs  = 0x78

	blockHeaderSize = 6
	keySlotSize     = 4
	maxFieldSize    = 4096
)

var dataFileExts = []string{".db", ".px", ".mb", ".val", ".tv", ".fam"}

// Header is the parsed fixed header plus field definitions.
type Header struct {
	RecordSize int
	HeaderSize int
	BlockSize  int
	NumRecords int
	KeyFields  int
	CodePage   byte
	Fields     []Field
	Unnamed    int
}

// parseHeader validates and decodes the fixed header of buf.
func parseHeader(file string, buf []byte) (*Header, error) {
	if len(buf) < offFieldDescs {
		return nil, &DecodeError{File: file, Offset: 0, Reason: fmt.Sprintf("file too short (%d bytes)", len(buf)), Err: ErrCorruptHeader}
	}

	h := &Header{
		RecordSize: int(binary.LittleEndian.Uint16(buf[offRecordSize:])),
		HeaderSize: int(binary.LittleEndian.Uint16(buf[offHeaderSize:])),
		NumRecords: int(binary.LittleEndian.Uint32(buf[offNumRecords:])),
		KeyFields:  int(buf[offKeyFields]),
		CodePage:   buf[offCodePage],
	}
	switch kb := int(buf[offBlockSizeKB]); kb {
	case 1, 2, 3, 4, 8, 16, 32:
		h.BlockSize = kb * 1024
	}
	fieldCount := int(buf[offFieldCount])

	if h.RecordSize <= 0 {
		return nil, &DecodeError{File: file, Offset: offRecordSize, Reason: "record size is zero", Err: ErrCorruptHeader}
	}
	if fieldCount <= 0 || fieldCount > 255 {
		return nil, &DecodeError{File: file, Offset: offFieldCount, Reason: fmt.Sprintf("invalid field count %d", fieldCount), Err: ErrCorruptHeader}
	}
	if h.HeaderSize < offFieldDescs || h.HeaderSize > len(buf) {
		return nil, &DecodeError{File: file, Offset: offHeaderSize, Reason: fmt.Sprintf("header size %d outside file", h.HeaderSize), Err: ErrCorruptHeader}
	}

	descEnd := offFieldDescs + 2*fieldCount
	if descEnd > len(buf) {
		return nil, &DecodeError{File: file, Offset: offFieldDescs, Reason: "field descriptors exceed file", Err: ErrCorruptField}
	}

	h.Fields = make([]Field, fieldCount)
	span := 0
	for i := 0; i < fieldCount; i++ {
		off := offFieldDescs + 2*i
		f := Field{Type: buf[off], Size: int(buf[off+1])}
		if f.Size == 0 || f.Size > maxFieldSize {
			return nil, &DecodeError{File: file, Offset: int64(off), Reason: fmt.Sprintf("field %d has size %d", i, f.Size), Err: ErrCorruptField}
		}
		span += f.Size
		h.Fields[i] = f
	}
	if span > h.RecordSize {
		return nil, &DecodeError{File: file, Offset: offFieldDescs, Reason: fmt.Sprintf("fields span %d bytes, record is %d", span, h.RecordSize), Err: ErrCorruptField}
	}

	nameStart := descEnd + keySlotSize*h.KeyFields
	limit := h.HeaderSize
	if nameStart > limit {
		nameStart = limit
	}
	names := scanFieldNames(buf[nameStart:limit], fieldCount)
	for i := range h.Fields {
		if i < len(names) {
			h.Fields[i].Name = names[i]
			continue
		}
		h.Fields[i].Name = fmt.Sprintf("field_%d", i+1)
		h.Unnamed++
	}

	return h, nil
}

// scanFieldNames walks null-terminated strings and keeps the plausible
// identifiers until want names are found or the buffer ends.
func scanFieldNames(buf []byte, want int) []string {
	names := make([]string, 0, want)
	for start := 0; start < len(buf) && len(names) < want; {
		end := start
		for end < len(buf) && buf[end] != 0 {
			end++
		}
		if end > start && isFieldName(buf[start:end]) {
			names = append(names, strings.TrimSpace(string(buf[start:end])))
		}
		start = end + 1
	}
	return names
}

func isFieldName(b []byte) bool {
	if b[0] < 0x20 || b[0] > 0x7E {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(string(b)))
	if lower == "" {
		return false
	}
	for _, ext := range dataFileExts {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	// secondary index files: .x01 .. .y99
	if n := len(lower); n > 4 && lower[n-4] == '.' && (lower[n-3] == 'x' || lower[n-3] == 'y') &&
		isDigit(lower[n-2]) && isDigit(lower[n-1]) {
		return false
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
