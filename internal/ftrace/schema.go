package ftrace

import (
	"strconv"
	"strings"
)

// SchemaField is one field of an emitted schema message, per §3's
// "Schema field. {proto_type, name, number}; number is 1-based and
// unique within a schema."
type SchemaField struct {
	ProtoType string
	Name      string
	Number    uint32

	// SourceField indexes back into the originating Event.Fields, so the
	// translation table can bind byte ranges without re-running
	// inference.
	SourceField int
}

// Schema is the emitted message for one ftrace event, per §4.4's schema
// emission rules.
type Schema struct {
	MessageName string
	EventName   string
	EventGroup  string
	Fields      []SchemaField
}

// ToSchema emits the schema for a parsed event: message name is
// CamelCase(event.name) + "FtraceEvent"; fields are emitted in source
// order, skipping empty names, name duplicates, and failed type
// inference; field numbers are assigned sequentially starting at 1 over
// the emitted subset.
func ToSchema(ev *Event) Schema {
	s := Schema{
		MessageName: CamelCase(ev.Name) + "FtraceEvent",
		EventName:   ev.Name,
		EventGroup:  ev.Group,
	}

	seen := make(map[string]bool, len(ev.Fields))
	var number uint32
	for i, f := range ev.Fields {
		if f.Name == "" || seen[f.Name] {
			continue
		}
		protoType, ok := InferType(f)
		if !ok {
			continue
		}
		seen[f.Name] = true
		number++
		s.Fields = append(s.Fields, SchemaField{
			ProtoType:   protoType,
			Name:        f.Name,
			Number:      number,
			SourceField: i,
		})
	}
	return s
}

// CamelCase upper-cases the first character of each underscore-delimited
// segment of s and drops the underscores, per §4.4's schema emission
// rule. Segments that are already empty (leading, trailing, or repeated
// underscores) contribute nothing.
func CamelCase(s string) string {
	segments := strings.Split(s, "_")
	var b strings.Builder
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		b.WriteString(strings.ToUpper(seg[:1]))
		b.WriteString(seg[1:])
	}
	return b.String()
}

// Text renders a schema as the informational proto-like text shown in
// §6's "Emitted schema text" (not required for correctness; for
// diagnostics). It renders only the message block, without the syntax
// and option header lines.
func (s Schema) Text() string {
	var b strings.Builder
	b.WriteString("message ")
	b.WriteString(s.MessageName)
	b.WriteString(" {\n")
	for _, f := range s.Fields {
		b.WriteString("  ")
		b.WriteString(f.ProtoType)
		b.WriteString(" ")
		b.WriteString(f.Name)
		b.WriteString(" = ")
		b.WriteString(strconv.FormatUint(uint64(f.Number), 10))
		b.WriteString(";\n")
	}
	b.WriteString("}\n")
	return b.String()
}
