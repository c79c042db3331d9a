package pxdb

import (
	"strings"
	"unicode"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// codePage pairs a legacy code-page id with its decoder.
type codePage struct {
	name string
	enc  *charmap.Charmap
}

var codePages = map[byte]codePage{
	0x00: {"windows-1252", charmap.Windows1252},
	0x01: {"windows-1252", charmap.Windows1252},
	0x02: {"ibm866", charmap.CodePage866},
	0x64: {"windows-1250", charmap.Windows1250},
	0x65: {"windows-1251", charmap.Windows1251},
	0x66: {"windows-1253", charmap.Windows1253},
	0x67: {"windows-1254", charmap.Windows1254},
}

// EncodingFor returns the decoder and its name for a header code-page byte.
// Unrecognized ids fall back to windows-1252.
func EncodingFor(id byte) (encoding.Encoding, string) {
	cp, ok := codePages[id]
	if !ok {
		cp = codePages[0x01]
	}
	return cp.enc, cp.name
}

// decodeText converts raw code-page bytes to a cleaned UTF-8 string.
func decodeText(enc encoding.Encoding, raw []byte) string {
	if i := indexNul(raw); i >= 0 {
		raw = raw[:i]
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		out = raw
	}
	return cleanText(string(out))
}

// cleanText drops control characters and trims surrounding whitespace.
func cleanText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
