package ftrace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFormatSchedSwitch(t *testing.T) {
	data := []byte(
		"name: sched_switch\n" +
			"ID: 42\n" +
			"format:\n" +
			"\tfield:unsigned short common_type;\toffset:0;\tsize:2;\tsigned:0;\n" +
			"\tfield:int common_pid;\toffset:4;\tsize:4;\tsigned:1;\n" +
			"\tfield:int prev_pid;\toffset:8;\tsize:4;\tsigned:1;\n" +
			"\tfield:char comm[16];\toffset:12;\tsize:16;\tsigned:0;\n" +
			"\nprint fmt: \"prev_pid=%d\", REC->prev_pid\n",
	)

	ev, err := ParseFormat("sched", data)
	require.NoError(t, err)
	require.Equal(t, uint32(42), ev.ID)
	require.Equal(t, "sched_switch", ev.Name)
	require.Equal(t, "sched", ev.Group)

	// common_pid was filtered out; common_type too.
	require.Len(t, ev.Fields, 2)
	require.Equal(t, "prev_pid", ev.Fields[0].Name)
	require.Equal(t, "comm", ev.Fields[1].Name)

	schema := ToSchema(ev)
	require.Equal(t, "SchedSwitchFtraceEvent", schema.MessageName)
	require.Len(t, schema.Fields, 2)
	require.Equal(t, SchemaField{ProtoType: "int32", Name: "prev_pid", Number: 1, SourceField: 0}, schema.Fields[0])
	require.Equal(t, SchemaField{ProtoType: "string", Name: "comm", Number: 2, SourceField: 1}, schema.Fields[1])
}

func TestParseFormatMissingColonIsMalformed(t *testing.T) {
	data := []byte("name sched_switch\nID: 42\n")
	_, err := ParseFormat("sched", data)
	require.Error(t, err)
	var malformed ErrMalformedFormat
	require.ErrorAs(t, err, &malformed)
	require.Equal(t, 1, malformed.Line)
}

func TestParseFormatRequiresIDNameAndFields(t *testing.T) {
	_, err := ParseFormat("sched", []byte("name: sched_switch\nID: 1\n"))
	require.ErrorIs(t, err, ErrIncompleteEvent)
}

func TestCamelCase(t *testing.T) {
	cases := map[string]string{
		"sched_switch":    "SchedSwitch",
		"sched_wakeup_new": "SchedWakeupNew",
		"print":           "Print",
		"a__b":            "AB",
		"":                "",
	}
	for in, want := range cases {
		require.Equal(t, want, CamelCase(in), "CamelCase(%q)", in)
	}
}

func TestInferTypePriorityOrder(t *testing.T) {
	cases := []struct {
		name string
		f    Field
		want string
		ok   bool
	}{
		{"char array wins over size rules", Field{TypeAndName: "char comm[16]", Size: 16, Signed: false}, "string", true},
		{"char pointer", Field{TypeAndName: "char * name", Size: 8, Signed: false}, "string", true},
		{"small signed", Field{TypeAndName: "int x", Size: 4, Signed: true}, "int32", true},
		{"small unsigned", Field{TypeAndName: "unsigned int x", Size: 4, Signed: false}, "uint32", true},
		{"wide signed", Field{TypeAndName: "long x", Size: 8, Signed: true}, "int64", true},
		{"wide unsigned", Field{TypeAndName: "unsigned long x", Size: 8, Signed: false}, "uint64", true},
		{"too wide fails", Field{TypeAndName: "struct foo x", Size: 24, Signed: false}, "", false},
	}
	for _, tc := range cases {
		got, ok := InferType(tc.f)
		require.Equal(t, tc.ok, ok, tc.name)
		require.Equal(t, tc.want, got, tc.name)
	}
}

func TestDynamicArrayCharFieldFallsThroughToNumericRules(t *testing.T) {
	// __data_loc char[] fields have no literal digit count, so the char
	// array rule does not match; the 4-byte unsigned data-loc descriptor
	// is typed by the numeric rules. The translator does not resolve the
	// data-loc indirection to the string it points at.
	f := Field{TypeAndName: "__data_loc char[] name", Size: 4, Signed: false}
	protoType, ok := InferType(f)
	require.True(t, ok)
	require.Equal(t, "uint32", protoType)
}
