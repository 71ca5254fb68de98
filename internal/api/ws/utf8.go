package ws

import "unicode/utf8"

// splitIncomplete splits a trailing, incomplete UTF-8 sequence off p.
// Invalid bytes are left in place.
func splitIncomplete(p []byte) (complete, rest []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return p, nil
		}
		return p[:i], p[i:]
	}
	return p, nil
}

// textDecoder turns a byte stream into text without splitting runes across
// chunks.
type textDecoder struct {
	pending []byte
}

func (d *textDecoder) decode(chunk []byte) string {
	buf := chunk
	if len(d.pending) > 0 {
		buf = append(d.pending, chunk...)
		d.pending = nil
	}
	complete, rest := splitIncomplete(buf)
	if len(rest) > 0 {
		d.pending = append([]byte(nil), rest...)
	}
	return string(complete)
}

// flush returns whatever is still pending.
func (d *textDecoder) flush() string {
	s := string(d.pending)
	d.pending = nil
	return s
}
