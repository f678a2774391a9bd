// Package ftrace parses the kernel's human-readable ftrace event format
// files and translates them into a structured schema (§4.4). It is
// grounded on google-traceout/ftrace/eventtype.go's
// parseFormatData/parseField line-scanning shape, but
// targets a schema translation table instead of a cparse/cprintf
// formatter pipeline, since the daemon never needs to reproduce the
// kernel's human-readable trace text.
package ftrace

import (
	"fmt"
	"strconv"
	"strings"
)

// Field is one parsed field line from an event's format file.
type Field struct {
	TypeAndName string
	Name        string
	Offset      int
	Size        int
	Signed      bool
}

// Event is the parsed descriptor of one ftrace event format file.
type Event struct {
	ID     uint32
	Name   string
	Group  string
	Fields []Field
}

// ErrMalformedFormat reports the first malformed line of a format file,
// per §4.4's "emits a diagnostic for the first malformed line".
type ErrMalformedFormat struct {
	Line   int
	Reason string
}

func (e ErrMalformedFormat) Error() string {
	return fmt.Sprintf("ftrace: format file line %d: %s", e.Line, e.Reason)
}

// ErrIncompleteEvent is returned when a format file parses without a
// line error but still lacks an id, a name, or at least one field.
var ErrIncompleteEvent = fmt.Errorf("ftrace: format file missing id, name, or fields")

// ParseFormat parses one ftrace format file's contents. group is the
// directory name under events/ the file was read from (e.g. "sched" for
// events/sched/sched_switch/format) and becomes Event.Group; it is not
// present in the format text itself.
func ParseFormat(group string, data []byte) (*Event, error) {
	var ev Event
	ev.Group = group

	haveID := false
	text := string(data)
	lineNum := 0

	for text != "" {
		lineNum++

		eol := strings.IndexByte(text, '\n')
		var line string
		if eol == -1 {
			line = text
			text = ""
		} else {
			line = text[:eol]
			text = text[eol+1:]
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "print fmt:") {
			break
		}

		colon := strings.IndexByte(line, ':')
		if colon == -1 {
			return nil, ErrMalformedFormat{Line: lineNum, Reason: "missing ':'"}
		}
		key := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])

		switch key {
		case "name":
			ev.Name = value
		case "format":
			// ignored, per §4.4
		case "ID":
			id, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, ErrMalformedFormat{Line: lineNum, Reason: "bad ID: " + err.Error()}
			}
			ev.ID = uint32(id)
			haveID = true
		case "field":
			f, err := parseField(value)
			if err != nil {
				return nil, ErrMalformedFormat{Line: lineNum, Reason: err.Error()}
			}
			if strings.HasPrefix(f.Name, "common_") {
				continue
			}
			ev.Fields = append(ev.Fields, f)
		default:
			return nil, ErrMalformedFormat{Line: lineNum, Reason: "unexpected key " + key}
		}
	}

	if !haveID || ev.Name == "" || len(ev.Fields) == 0 {
		return nil, ErrIncompleteEvent
	}
	return &ev, nil
}

// parseField parses the value half of one "field:" line, e.g.
// "int prev_pid;	offset:8;	size:4;	signed:1;".
func parseField(value string) (Field, error) {
	var f Field

	parts := strings.Split(value, ";")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		return f, fmt.Errorf("missing field declaration")
	}
	f.TypeAndName = strings.TrimSpace(parts[0])

	name, err := extractFieldName(f.TypeAndName)
	if err != nil {
		return f, err
	}
	f.Name = name

	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		colon := strings.IndexByte(p, ':')
		if colon == -1 {
			return f, fmt.Errorf("missing ':' in field entry %q", p)
		}
		key := strings.TrimSpace(p[:colon])
		val := strings.TrimSpace(p[colon+1:])
		var err error
		switch key {
		case "offset":
			var off int64
			off, err = strconv.ParseInt(val, 10, 64)
			f.Offset = int(off)
		case "size":
			var sz int64
			sz, err = strconv.ParseInt(val, 10, 64)
			f.Size = int(sz)
		case "signed":
			var sv int64
			sv, err = strconv.ParseInt(val, 10, 64)
			f.Signed = sv != 0
		default:
			// unknown field attributes are ignored; the kernel has added
			// a few over the years (e.g. "decimal", "hex") that carry no
			// schema-relevant information.
		}
		if err != nil {
			return f, fmt.Errorf("field entry %q: %w", key, err)
		}
	}

	if f.Offset < 0 || f.Size < 0 {
		return f, fmt.Errorf("negative offset or size")
	}
	return f, nil
}

// extractFieldName extracts the field name from a type_and_name
// declaration per §4.4: if it ends with ']', the array suffix is
// trimmed back to the last '[', then the name is the token after the
// last space. The result must be a C identifier.
func extractFieldName(typeAndName string) (string, error) {
	s := typeAndName
	if strings.HasSuffix(s, "]") {
		bracket := strings.LastIndexByte(s, '[')
		if bracket == -1 {
			return "", fmt.Errorf("unmatched ']' in %q", typeAndName)
		}
		s = s[:bracket]
	}

	space := strings.LastIndexByte(s, ' ')
	if space == -1 {
		return "", fmt.Errorf("missing type and name in %q", typeAndName)
	}
	name := s[space+1:]
	name = strings.TrimPrefix(name, "*")
	if !isCIdentifier(name) {
		return "", fmt.Errorf("%q is not a valid C identifier", name)
	}
	return name, nil
}

func isCIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// InferType infers the schema proto type for a field, per §4.4's
// priority-ordered rules. ok is false when inference fails and the
// field must be dropped from the emitted schema.
func InferType(f Field) (protoType string, ok bool) {
	if isCharArray(f.TypeAndName) {
		return "string", true
	}
	if strings.Contains(f.TypeAndName, "char *") {
		return "string", true
	}
	switch {
	case f.Size <= 4 && f.Signed:
		return "int32", true
	case f.Size <= 4 && !f.Signed:
		return "uint32", true
	case f.Size <= 8 && f.Signed:
		return "int64", true
	case f.Size <= 8 && !f.Signed:
		return "uint64", true
	default:
		return "", false
	}
}

// isCharArray matches the "char NAME[N]" pattern (literal digit count)
// from §4.4 rule 1. "char NAME[]" (a __data_loc dynamic array, no
// literal digits) does not match this rule; such fields fall through to
// the numeric rules, so a 4-byte unsigned data-loc descriptor is typed
// uint32. This translator does not resolve the data-loc indirection to
// the string it points at.
func isCharArray(typeAndName string) bool {
	bracket := strings.IndexByte(typeAndName, '[')
	closeBracket := strings.IndexByte(typeAndName, ']')
	if bracket == -1 || closeBracket == -1 || closeBracket < bracket {
		return false
	}
	digits := typeAndName[bracket+1 : closeBracket]
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return strings.HasPrefix(strings.TrimSpace(fieldTypePrefix(typeAndName)), "char")
}

// fieldTypePrefix returns the type tokens of a type_and_name
// declaration, i.e. everything before the field name.
func fieldTypePrefix(typeAndName string) string {
	s := typeAndName
	if bracket := strings.IndexByte(s, '['); bracket != -1 {
		s = s[:bracket]
	}
	space := strings.LastIndexByte(strings.TrimSpace(s), ' ')
	if space == -1 {
		return s
	}
	return s[:space]
}
