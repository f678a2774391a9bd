package framing

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes f into a payload (not including the 4-byte length
// prefix; the deserializer's counterpart, the caller, is responsible for
// that). The wire format is a small fixed encoding, not general-purpose
// protobuf: a kind byte, the request id, then kind-specific fields.
func Encode(f *Frame) ([]byte, error) {
	if f.Kind != KindBindServiceReply && f.Kind != KindInvokeMethodReply && f.RequestID == 0 {
		return nil, ErrRequestIDZero
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(f.Kind))
	buf = appendUint64(buf, f.RequestID)

	switch f.Kind {
	case KindBindService:
		if f.BindService == nil {
			return nil, fmt.Errorf("framing: BindService frame missing payload")
		}
		buf = appendString(buf, f.BindService.ServiceName)
	case KindBindServiceReply:
		if f.BindServiceReply == nil {
			return nil, fmt.Errorf("framing: BindServiceReply frame missing payload")
		}
		r := f.BindServiceReply
		buf = appendBool(buf, r.Success)
		buf = appendUint32(buf, r.ServiceID)
		buf = appendUint32(buf, uint32(len(r.Methods)))
		for _, m := range r.Methods {
			buf = appendString(buf, m.Name)
			buf = appendUint32(buf, m.ID)
		}
	case KindInvokeMethod:
		if f.InvokeMethod == nil {
			return nil, fmt.Errorf("framing: InvokeMethod frame missing payload")
		}
		m := f.InvokeMethod
		buf = appendUint32(buf, m.ServiceID)
		buf = appendUint32(buf, m.MethodID)
		buf = appendBytes(buf, m.ArgsProto)
	case KindInvokeMethodReply:
		if f.InvokeMethodReply == nil {
			return nil, fmt.Errorf("framing: InvokeMethodReply frame missing payload")
		}
		r := f.InvokeMethodReply
		buf = appendBool(buf, r.Success)
		buf = appendBool(buf, r.HasMore)
		buf = appendBytes(buf, r.ReplyProto)
	default:
		return nil, fmt.Errorf("framing: unknown frame kind %v", f.Kind)
	}
	return buf, nil
}

// Decode parses a payload (as delimited by the deserializer) into a Frame.
// A malformed payload is a MalformedPayload-class error per §7: it
// fails this one frame but does not desynchronize the stream, since the
// length prefix already delimited it.
func Decode(payload []byte) (*Frame, error) {
	if len(payload) < 1+8 {
		return nil, fmt.Errorf("framing: payload too short: %d bytes", len(payload))
	}
	kind := Kind(payload[0])
	rest := payload[1:]
	reqID, rest, err := readUint64(rest)
	if err != nil {
		return nil, err
	}
	f := &Frame{RequestID: reqID, Kind: kind}

	switch kind {
	case KindBindService:
		name, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("framing: trailing bytes in BindService")
		}
		f.BindService = &BindService{ServiceName: name}
	case KindBindServiceReply:
		success, rest, err := readBool(rest)
		if err != nil {
			return nil, err
		}
		serviceID, rest, err := readUint32(rest)
		if err != nil {
			return nil, err
		}
		n, rest, err := readUint32(rest)
		if err != nil {
			return nil, err
		}
		methods := make([]Method, 0, n)
		for i := uint32(0); i < n; i++ {
			var name string
			name, rest, err = readString(rest)
			if err != nil {
				return nil, err
			}
			var id uint32
			id, rest, err = readUint32(rest)
			if err != nil {
				return nil, err
			}
			methods = append(methods, Method{Name: name, ID: id})
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("framing: trailing bytes in BindServiceReply")
		}
		f.BindServiceReply = &BindServiceReply{Success: success, ServiceID: serviceID, Methods: methods}
	case KindInvokeMethod:
		serviceID, rest, err := readUint32(rest)
		if err != nil {
			return nil, err
		}
		methodID, rest, err := readUint32(rest)
		if err != nil {
			return nil, err
		}
		args, rest, err := readBytes(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("framing: trailing bytes in InvokeMethod")
		}
		f.InvokeMethod = &InvokeMethod{ServiceID: serviceID, MethodID: methodID, ArgsProto: args}
	case KindInvokeMethodReply:
		success, rest, err := readBool(rest)
		if err != nil {
			return nil, err
		}
		hasMore, rest, err := readBool(rest)
		if err != nil {
			return nil, err
		}
		reply, rest, err := readBytes(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("framing: trailing bytes in InvokeMethodReply")
		}
		f.InvokeMethodReply = &InvokeMethodReply{Success: success, HasMore: hasMore, ReplyProto: reply}
	default:
		return nil, fmt.Errorf("framing: unknown frame kind %d", kind)
	}
	return f, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func appendString(buf []byte, v string) []byte {
	return appendBytes(buf, []byte(v))
}

func readUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("framing: short buffer reading uint32")
	}
	return binary.LittleEndian.Uint32(buf), buf[4:], nil
}

func readUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("framing: short buffer reading uint64")
	}
	return binary.LittleEndian.Uint64(buf), buf[8:], nil
}

func readBool(buf []byte) (bool, []byte, error) {
	if len(buf) < 1 {
		return false, nil, fmt.Errorf("framing: short buffer reading bool")
	}
	return buf[0] != 0, buf[1:], nil
}

func readBytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := readUint32(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < uint64(n) {
		return nil, nil, fmt.Errorf("framing: short buffer reading %d bytes", n)
	}
	return rest[:n], rest[n:], nil
}

func readString(buf []byte) (string, []byte, error) {
	b, rest, err := readBytes(buf)
	if err != nil {
		return "", nil, err
	}
	return string(b), rest, nil
}
