// Package pxdb reads legacy Paradox-style .DB table files: the fixed header,
// field descriptors and names, fixed-width records and the companion .MB
// memo file. Values are decoded into trimmed strings keyed by field name.
package pxdb

import (
	"errors"
	"fmt"
)

// Field type codes as stored in the descriptor table.
const (
	TypeAlpha         byte = 0x01
	TypeDate          byte = 0x02
	TypeShort         byte = 0x03
	TypeLong          byte = 0x04
	TypeCurrency      byte = 0x05
	TypeNumber        byte = 0x06
	TypeLogical       byte = 0x09
	TypeMemo          byte = 0x0C
	TypeBCD           byte = 0x0D
	TypeBytes         byte = 0x0E
	TypeGraphic       byte = 0x10
	TypeTime          byte = 0x14
	TypeTimestamp     byte = 0x15
	TypeAutoIncrement byte = 0x16
	TypeBCD2          byte = 0x17
	TypeBytes2        byte = 0x18
)

var (
	// ErrCorruptHeader is returned when the fixed header fails validation.
	ErrCorruptHeader = errors.New("corrupt table header")
	// ErrCorruptField is returned for an impossible field descriptor.
	ErrCorruptField = errors.New("corrupt field descriptor")
	// ErrNativeUnavailable is returned when the native dumper cannot be run.
	ErrNativeUnavailable = errors.New("native table reader unavailable")
)

// DecodeError describes where and why a table could not be decoded.
type DecodeError struct {
	File   string
	Offset int64
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at offset 0x%X: %s", e.File, e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Field is one column definition from the descriptor table.
type Field struct {
	Name string `json:"name"`
	Type byte   `json:"type"`
	Size int    `json:"size"`
}

// TypeName returns a human readable name for the field type.
func (f Field) TypeName() string { return TypeName(f.Type) }

// TypeName maps a type code to its display name.
func TypeName(t byte) string {
	switch t {
	case TypeAlpha:
		return "Alpha"
	case TypeDate:
		return "Date"
	case TypeShort:
		return "Short"
	case TypeLong:
		return "Long"
	case TypeCurrency:
		return "Currency"
	case TypeNumber:
		return "Number"
	case TypeLogical:
		return "Logical"
	case TypeMemo:
		return "Memo"
	case TypeBCD, TypeBCD2:
		return "BCD"
	case TypeBytes, TypeBytes2:
		return "Bytes"
	case TypeGraphic:
		return "Graphic"
	case TypeTime:
		return "Time"
	case TypeTimestamp:
		return "Timestamp"
	case TypeAutoIncrement:
		return "AutoIncrement"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", t)
	}
}

// Row is one decoded record: field name to string value. Null values are "".
type Row map[string]string

// Diagnostics reports how a read went, including declared versus read counts.
type Diagnostics struct {
	Reader       string `json:"reader"`
	RecordSize   int    `json:"record_size"`
	HeaderSize   int    `json:"header_size"`
	FieldCount   int    `json:"field_count"`
	KeyFields    int    `json:"key_fields"`
	CodePage     byte   `json:"code_page"`
	Encoding     string `json:"encoding"`
	Declared     int    `json:"declared"`
	Read         int    `json:"read"`
	Deleted      int    `json:"deleted"`
	Failed       int    `json:"failed"`
	Truncated    bool   `json:"truncated"`
	MemoFile     string `json:"memo_file,omitempty"`
	BlockSize    int    `json:"block_size"`
	UnnamedField int    `json:"unnamed_fields"`
}

// Table is the decoded content of one table file.
type Table struct {
	File        string      `json:"file"`
	Name        string      `json:"name"`
	Fields      []Field     `json:"fields"`
	Rows        []Row       `json:"rows"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// FieldNames returns the column names in declaration order.
func (t *Table) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// Options controls a table read.
type Options struct {
	// Limit caps the number of live records returned. Zero means no cap.
	Limit int
}
