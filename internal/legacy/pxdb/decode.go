package pxdb

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
)

const (
	maxDateDays  = 766644
	msPerDay     = 24 * 60 * 60 * 1000
	bcdWidth     = 17
	bcdIntDigits = 17
	hexPreview   = 20
)

// decodeValue extracts the string form of one field span. An empty string
// means null. An error means the span itself is unusable.
func decodeValue(f Field, raw []byte, enc encoding.Encoding, memo *memoFile) (string, error) {
	if len(raw) < f.Size {
		return "", fmt.Errorf("field %s: span %d shorter than size %d", f.Name, len(raw), f.Size)
	}

	switch f.Type {
	case TypeAlpha:
		return decodeText(enc, raw), nil

	case TypeDate:
		if len(raw) < 4 {
			return "", fmt.Errorf("field %s: date needs 4 bytes", f.Name)
		}
		return formatDate(toSigned(flippedUint(raw[:4]), 4)), nil

	case TypeShort:
		if len(raw) < 2 {
			return "", fmt.Errorf("field %s: short needs 2 bytes", f.Name)
		}
		v := toSigned(flippedUint(raw[:2]), 2)
		if v == math.MinInt16 {
			return "", nil
		}
		return strconv.FormatInt(v, 10), nil

	case TypeLong, TypeAutoIncrement:
		if len(raw) < 4 {
			return "", fmt.Errorf("field %s: long needs 4 bytes", f.Name)
		}
		v := toSigned(flippedUint(raw[:4]), 4)
		if v == math.MinInt32 {
			return "", nil
		}
		if v < 0 && f.Type == TypeAutoIncrement {
			return strconv.FormatUint(uint64(uint32(v)), 10), nil
		}
		return strconv.FormatInt(v, 10), nil

	case TypeCurrency:
		if len(raw) < 8 {
			return "", fmt.Errorf("field %s: currency needs 8 bytes", f.Name)
		}
		v := toSigned(flippedUint(raw[:8]), 8)
		if v == math.MinInt64 {
			return "", nil
		}
		return formatCurrency(v), nil

	case TypeNumber:
		if len(raw) < 8 {
			return "", fmt.Errorf("field %s: number needs 8 bytes", f.Name)
		}
		v := decodeDouble(raw[:8])
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil

	case TypeLogical:
		switch raw[0] {
		case 0x80:
			return "true", nil
		case 0x00:
			return "false", nil
		default:
			return "", nil
		}

	case TypeMemo:
		if len(raw) < 4 {
			return "", fmt.Errorf("field %s: memo pointer needs 4 bytes", f.Name)
		}
		return memo.read(binary.LittleEndian.Uint32(raw[:4]), enc), nil

	case TypeBCD, TypeBCD2:
		if len(raw) < bcdWidth {
			return "", fmt.Errorf("field %s: packed decimal needs %d bytes", f.Name, bcdWidth)
		}
		return decodeBCD(raw[:bcdWidth]), nil

	case TypeTime:
		if len(raw) < 4 {
			return "", fmt.Errorf("field %s: time needs 4 bytes", f.Name)
		}
		ms := toSigned(flippedUint(raw[:4]), 4)
		if ms < 0 || ms >= msPerDay {
			return "", nil
		}
		return formatClock(ms), nil

	case TypeTimestamp:
		if len(raw) < 8 {
			return "", fmt.Errorf("field %s: timestamp needs 8 bytes", f.Name)
		}
		v := decodeDouble(raw[:8])
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return "", nil
		}
		return formatTimestamp(int64(v)), nil

	case TypeBytes, TypeBytes2, TypeGraphic:
		return formatHex(raw[:f.Size]), nil

	default:
		return decodeText(enc, raw[:f.Size]), nil
	}
}

// flippedUint reads a big-endian unsigned value with its top bit toggled,
// the storage form used for numeric fields.
func flippedUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v ^ (1 << (uint(len(b))*8 - 1))
}

// toSigned interprets the low n bytes of v as a two's complement integer.
func toSigned(v uint64, n int) int64 {
	shift := 64 - uint(n)*8
	return int64(v<<shift) >> shift
}

// decodeDouble reverses the order-preserving double encoding: positive
// values have the sign bit set, negative values are fully inverted.
func decodeDouble(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

func formatCurrency(v int64) string {
	sign := ""
	u := uint64(v)
	if v < 0 {
		sign = "-"
		u = uint64(-v)
	}
	return fmt.Sprintf("%s%d.%04d", sign, u/10000, u%10000)
}

// formatDate converts a day count with the approximate calendar: 365-day
// years and 30-day months. Out of range counts are null.
func formatDate(days int64) string {
	if days <= 0 || days > maxDateDays {
		return ""
	}
	year := days / 365
	rem := days % 365
	month := rem / 30
	if month > 12 {
		month = 12
	}
	if month < 1 {
		month = 1
	}
	day := rem % 30
	if day < 1 {
		day = 1
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

func formatClock(ms int64) string {
	h := ms / (60 * 60 * 1000)
	m := (ms % (60 * 60 * 1000)) / (60 * 1000)
	s := (ms % (60 * 1000)) / 1000
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func formatTimestamp(ms int64) string {
	date := formatDate(ms / msPerDay)
	if date == "" {
		return ""
	}
	return date + " " + formatClock(ms%msPerDay)
}

// decodeBCD renders a packed decimal: one sign byte then 32 digits, the
// first 17 integral and the remaining 15 fractional.
func decodeBCD(b []byte) string {
	digits := make([]byte, 0, 2*(bcdWidth-1))
	for _, c := range b[1:bcdWidth] {
		hi, lo := c>>4, c&0x0F
		if hi > 9 || lo > 9 {
			return ""
		}
		digits = append(digits, '0'+hi, '0'+lo)
	}
	intPart := strings.TrimLeft(string(digits[:bcdIntDigits]), "0")
	fracPart := strings.TrimRight(string(digits[bcdIntDigits:]), "0")
	if intPart == "" {
		intPart = "0"
	}
	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if b[0]&0x80 != 0 && out != "0" {
		out = "-" + out
	}
	return out
}

func formatHex(b []byte) string {
	if allZero(b) {
		return ""
	}
	if len(b) > hexPreview {
		b = b[:hexPreview]
	}
	parts := make([]string, len(b))
	for i := range b {
		parts[i] = strings.ToUpper(hex.EncodeToString(b[i : i+1]))
	}
	return strings.Join(parts, " ")
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
