// Package onebot implements the OneBot V11 wire schema used on the reverse
// WebSocket connection, and the pure translation between that schema and
// the native chat representation. Field names follow the protocol exactly;
// nothing here performs I/O.
package onebot

import "strings"

// Segment types carried in a message array.
const (
	SegText  = "text"
	SegImage = "image"
	SegFile  = "file"
	SegAt    = "at"
)

// Segment is one typed unit in a OneBot message array.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func Text(text string) Segment {
	return Segment{Type: SegText, Data: map[string]any{"text": text}}
}

func Image(file string) Segment {
	return Segment{Type: SegImage, Data: map[string]any{"file": file}}
}

func File(file string) Segment {
	return Segment{Type: SegFile, Data: map[string]any{"file": file}}
}

// DataString returns the named data field as a string, or "" when absent
// or not a string.
func (s Segment) DataString(key string) string {
	v, ok := s.Data[key]
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// escapeCQ escapes text for inclusion in a raw_message CQ string.
func escapeCQ(s string, inParam bool) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "[", "&#91;")
	s = strings.ReplaceAll(s, "]", "&#93;")
	if inParam {
		s = strings.ReplaceAll(s, ",", "&#44;")
	}
	return s
}

func unescapeCQ(s string) string {
	s = strings.ReplaceAll(s, "&#44;", ",")
	s = strings.ReplaceAll(s, "&#91;", "[")
	s = strings.ReplaceAll(s, "&#93;", "]")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

// RenderCQ renders segments to the CQ-code string carried in raw_message.
func RenderCQ(segs []Segment) string {
	var b strings.Builder
	for _, seg := range segs {
		if seg.Type == SegText {
			b.WriteString(escapeCQ(seg.DataString("text"), false))
			continue
		}
		b.WriteString("[CQ:")
		b.WriteString(seg.Type)
		b.WriteString(",file=")
		b.WriteString(escapeCQ(seg.DataString("file"), true))
		b.WriteString("]")
	}
	return b.String()
}

// ParseCQ parses a CQ-code string into a segment array. Unknown CQ types
// are preserved as segments so the caller decides what to do with them.
func ParseCQ(raw string) []Segment {
	var segs []Segment
	for len(raw) > 0 {
		start := strings.Index(raw, "[CQ:")
		if start < 0 {
			segs = append(segs, Text(unescapeCQ(raw)))
			break
		}
		if start > 0 {
			segs = append(segs, Text(unescapeCQ(raw[:start])))
		}
		end := strings.Index(raw[start:], "]")
		if end < 0 {
			// Unterminated code: treat the rest as text.
			segs = append(segs, Text(unescapeCQ(raw[start:])))
			break
		}
		body := raw[start+4 : start+end]
		raw = raw[start+end+1:]

		parts := strings.Split(body, ",")
		seg := Segment{Type: parts[0], Data: map[string]any{}}
		for _, p := range parts[1:] {
			k, v, ok := strings.Cut(p, "=")
			if !ok {
				continue
			}
			seg.Data[k] = unescapeCQ(v)
		}
		segs = append(segs, seg)
	}
	return segs
}
