package ftrace

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encode decodes a raw kernel record through te's field bindings and
// appends its protowire encoding to dst, one tag per emitted schema
// field. This is the "structured binary record" §4.4 describes the
// translation table as producing; it uses protowire directly rather
// than generated message code, since no .proto/protoc step is
// available or appropriate for a translation table built at runtime
// from the kernel's own format files.
func (te *TranslatedEvent) Encode(dst []byte, record []byte) ([]byte, error) {
	for _, b := range te.Bindings {
		if b.Offset+b.Size > len(record) {
			return nil, fmt.Errorf("ftrace: record too short for field %s: need %d bytes at offset %d, have %d",
				te.Schema.Fields[b.SchemaField].Name, b.Size, b.Offset, len(record))
		}
		field := te.Schema.Fields[b.SchemaField]
		num := protowire.Number(field.Number)
		raw := record[b.Offset : b.Offset+b.Size]

		switch field.ProtoType {
		case "string":
			s := decodeCString(raw)
			dst = protowire.AppendTag(dst, num, protowire.BytesType)
			dst = protowire.AppendString(dst, s)
		case "int32", "int64":
			// proto3 int32/int64 use plain varint encoding of the
			// two's-complement bit pattern, not zigzag (that's
			// sint32/sint64); casting to uint64 preserves the pattern.
			v := decodeSigned(raw)
			dst = protowire.AppendTag(dst, num, protowire.VarintType)
			dst = protowire.AppendVarint(dst, uint64(v))
		case "uint32", "uint64":
			v := decodeUnsigned(raw)
			dst = protowire.AppendTag(dst, num, protowire.VarintType)
			dst = protowire.AppendVarint(dst, v)
		default:
			return nil, fmt.Errorf("ftrace: unsupported schema type %q for field %s", field.ProtoType, field.Name)
		}
	}
	return dst, nil
}

// decodeCString trims a fixed-width char[] field at its first NUL, per
// how the kernel null-pads fixed comm/name buffers.
func decodeCString(raw []byte) string {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}

func decodeUnsigned(raw []byte) uint64 {
	switch len(raw) {
	case 1:
		return uint64(raw[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(raw))
	case 4:
		return uint64(binary.LittleEndian.Uint32(raw))
	case 8:
		return binary.LittleEndian.Uint64(raw)
	default:
		return 0
	}
}

func decodeSigned(raw []byte) int64 {
	switch len(raw) {
	case 1:
		return int64(int8(raw[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(raw)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(raw)))
	case 8:
		return int64(binary.LittleEndian.Uint64(raw))
	default:
		return 0
	}
}
