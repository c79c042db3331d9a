package pxdb

import (
	"math"
	"testing"

	"golang.org/x/text/encoding/charmap"
)

func decodeOne(t *testing.T, typ byte, raw []byte) string {
	t.Helper()
	v, err := decodeValue(Field{Name: "F", Type: typ, Size: len(raw)}, raw, charmap.Windows1252, nil)
	if err != nil {
		t.Fatalf("decodeValue(0x%02X): %v", typ, err)
	}
	return v
}

func TestDecodeValue_RoundTrips(t *testing.T) {
	tests := []struct {
		name string
		typ  byte
		raw  []byte
		want string
	}{
		{"currency", TypeCurrency, encCurrency(12345600), "1234.5600"},
		{"currency negative", TypeCurrency, encCurrency(-5), "-0.0005"},
		{"currency zero", TypeCurrency, encCurrency(0), "0.0000"},
		{"short", TypeShort, encShort(42), "42"},
		{"short negative", TypeShort, encShort(-7), "-7"},
		{"long", TypeLong, encLong(1234567), "1234567"},
		{"long negative", TypeLong, encLong(-1), "-1"},
		{"autoincrement negative reads unsigned", TypeAutoIncrement, encLong(-1), "4294967295"},
		{"number", TypeNumber, encDouble(72.5), "72.5"},
		{"number negative", TypeNumber, encDouble(-0.25), "-0.25"},
		{"date", TypeDate, encLong(730000), "2000-01-01"},
		{"date mid year", TypeDate, encLong(730000 + 95), "2000-03-05"},
		{"time", TypeTime, encLong(3661000), "01:01:01"},
		{"timestamp", TypeTimestamp, encDouble(730000*msPerDay + 3661000), "2000-01-01 01:01:01"},
		{"alpha", TypeAlpha, encAlpha("  GARCIA  ", 12), "GARCIA"},
		{"alpha control chars", TypeAlpha, encAlpha("AB\x07C", 6), "ABC"},
		{"bytes", TypeBytes, []byte{0x01, 0xAB, 0xFF}, "01 AB FF"},
		{"unknown falls back to text", 0x7F, encAlpha("X1", 4), "X1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeOne(t, tt.typ, tt.raw); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeValue_Nulls(t *testing.T) {
	tests := []struct {
		name string
		typ  byte
		raw  []byte
	}{
		{"short sentinel", TypeShort, encShort(math.MinInt16)},
		{"short blank", TypeShort, []byte{0, 0}},
		{"long sentinel", TypeLong, encLong(math.MinInt32)},
		{"currency blank", TypeCurrency, make([]byte, 8)},
		{"number blank is NaN", TypeNumber, make([]byte, 8)},
		{"number nan", TypeNumber, encDouble(math.NaN())},
		{"number inf", TypeNumber, encDouble(math.Inf(1))},
		{"date zero", TypeDate, encLong(0)},
		{"date negative", TypeDate, encLong(-3)},
		{"date beyond bound", TypeDate, encLong(maxDateDays + 1)},
		{"timestamp zero", TypeTimestamp, encDouble(0)},
		{"bytes blank", TypeBytes, make([]byte, 4)},
		{"memo without file", TypeMemo, []byte{1, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeOne(t, tt.typ, tt.raw); got != "" {
				t.Errorf("expected null, got %q", got)
			}
		})
	}
}

func TestDecodeValue_Logical(t *testing.T) {
	cases := map[byte]string{0x80: "true", 0x00: "false", 0x81: "", 0x01: "", 0xFF: ""}
	for b, want := range cases {
		if got := decodeOne(t, TypeLogical, []byte{b}); got != want {
			t.Errorf("logical 0x%02X: got %q, want %q", b, got, want)
		}
	}
}

func TestDecodeValue_BCD(t *testing.T) {
	tests := []struct {
		name     string
		negative bool
		digits   string
		want     string
	}{
		{"integer and fraction", false, "00000000000001234" + "500000000000000", "1234.5"},
		{"negative", true, "00000000000000012" + "250000000000000", "-12.25"},
		{"zero ignores sign", true, "00000000000000000" + "000000000000000", "0"},
		{"fraction only", false, "00000000000000000" + "010000000000000", "0.01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeOne(t, TypeBCD, encBCD(tt.negative, tt.digits))
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeValue_BCDInvalidNibble(t *testing.T) {
	raw := encBCD(false, "00000000000000000000000000000000")
	raw[5] = 0xAF
	if got := decodeOne(t, TypeBCD2, raw); got != "" {
		t.Errorf("expected empty for invalid nibble, got %q", got)
	}
}

func TestDecodeValue_ShortSpanIsError(t *testing.T) {
	_, err := decodeValue(Field{Name: "P", Type: TypeCurrency, Size: 4}, make([]byte, 4), charmap.Windows1252, nil)
	if err == nil {
		t.Fatal("expected error for 4-byte currency")
	}
}

func TestFormatDate_ApproximateCalendar(t *testing.T) {
	tests := []struct {
		days int64
		want string
	}{
		{365, "0001-01-01"},
		{730000 + 364, "2000-12-04"},
		{656933, "1799-09-28"},
		{maxDateDays, "2100-04-24"},
	}
	for _, tt := range tests {
		if got := formatDate(tt.days); got != tt.want {
			t.Errorf("formatDate(%d) = %q, want %q", tt.days, got, tt.want)
		}
	}
}

func TestEncodingFor(t *testing.T) {
	tests := []struct {
		id   byte
		name string
	}{
		{0x00, "windows-1252"},
		{0x01, "windows-1252"},
		{0x02, "ibm866"},
		{0x64, "windows-1250"},
		{0x65, "windows-1251"},
		{0x66, "windows-1253"},
		{0x67, "windows-1254"},
		{0x42, "windows-1252"},
	}
	for _, tt := range tests {
		if _, name := EncodingFor(tt.id); name != tt.name {
			t.Errorf("EncodingFor(0x%02X) = %s, want %s", tt.id, name, tt.name)
		}
	}
}

func TestDecodeText_CodePages(t *testing.T) {
	enc, _ := EncodingFor(0x01)
	if got := decodeText(enc, []byte{'N', 'U', 0xD1, 'E', 'Z', 0, 'x'}); got != "NUÑEZ" {
		t.Errorf("cp1252: got %q", got)
	}
	enc, _ = EncodingFor(0x65)
	if got := decodeText(enc, []byte{0xC0, 0xC1}); got != "АБ" {
		t.Errorf("cp1251: got %q", got)
	}
}
