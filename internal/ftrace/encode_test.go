package ftrace

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestTranslatedEventEncode(t *testing.T) {
	ev, err := ParseFormat("sched", schedSwitchFormat(42))
	require.NoError(t, err)
	te := newTranslatedEvent(ev)

	record := make([]byte, 28)
	// prev_pid at offset 8, size 4, little-endian -7.
	putInt32LE(record[8:12], -7)
	copy(record[12:28], "bash\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")

	out, err := te.Encode(nil, record)
	require.NoError(t, err)

	num, typ, n := protowire.ConsumeTag(out)
	require.Greater(t, n, 0)
	require.Equal(t, protowire.Number(1), num)
	require.Equal(t, protowire.VarintType, typ)
	out = out[n:]
	v, n := protowire.ConsumeVarint(out)
	require.Greater(t, n, 0)
	require.Equal(t, int32(-7), int32(v))
	out = out[n:]

	num, typ, n = protowire.ConsumeTag(out)
	require.Greater(t, n, 0)
	require.Equal(t, protowire.Number(2), num)
	require.Equal(t, protowire.BytesType, typ)
	out = out[n:]
	s, n := protowire.ConsumeBytes(out)
	require.Greater(t, n, 0)
	require.Equal(t, "bash", string(s))
}

func TestTranslatedEventEncodeRejectsShortRecord(t *testing.T) {
	ev, err := ParseFormat("sched", schedSwitchFormat(42))
	require.NoError(t, err)
	te := newTranslatedEvent(ev)

	_, err = te.Encode(nil, make([]byte, 4))
	require.Error(t, err)
}

func putInt32LE(b []byte, v int32) {
	u := uint32(v)
	b[0] = byte(u)
	b[1] = byte(u >> 8)
	b[2] = byte(u >> 16)
	b[3] = byte(u >> 24)
}
