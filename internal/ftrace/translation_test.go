package ftrace

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeProcFS struct {
	refs    []EventRef
	formats map[string][]byte // keyed by group+"/"+name
}

func (f *fakeProcFS) ListEvents() ([]EventRef, error) { return f.refs, nil }

func (f *fakeProcFS) ReadFormat(group, name string) ([]byte, error) {
	data, ok := f.formats[group+"/"+name]
	if !ok {
		return nil, fmt.Errorf("no such event %s/%s", group, name)
	}
	return data, nil
}

func schedSwitchFormat(id int) []byte {
	return []byte(fmt.Sprintf(
		"name: sched_switch\n"+
			"ID: %d\n"+
			"format:\n"+
			"\tfield:int common_pid;\toffset:4;\tsize:4;\tsigned:1;\n"+
			"\tfield:int prev_pid;\toffset:8;\tsize:4;\tsigned:1;\n"+
			"\tfield:char comm[16];\toffset:12;\tsize:16;\tsigned:0;\n",
		id))
}

func newTestFS() *fakeProcFS {
	return &fakeProcFS{
		refs: []EventRef{{Group: "sched", Name: "sched_switch"}},
		formats: map[string][]byte{
			"sched/sched_switch": schedSwitchFormat(42),
		},
	}
}

func TestTranslatorBuildAndLookup(t *testing.T) {
	fs := newTestFS()
	tr := NewTranslator(fs)
	require.NoError(t, tr.Build())

	te, ok := tr.LookupByGroupName("sched", "sched_switch")
	require.True(t, ok)
	require.Equal(t, "SchedSwitchFtraceEvent", te.Schema.MessageName)

	byName, ok := tr.LookupByName("sched_switch")
	require.True(t, ok)
	require.Same(t, te, byName)

	byGroup := tr.LookupByGroup("sched")
	require.Len(t, byGroup, 1)

	byID, err := tr.LookupByID(42, "sched", "sched_switch")
	require.NoError(t, err)
	require.Same(t, te, byID)
}

func TestTranslatorGenericFallbackCachesResult(t *testing.T) {
	fs := &fakeProcFS{
		formats: map[string][]byte{
			"sched/sched_switch": schedSwitchFormat(99),
		},
	}
	tr := NewTranslator(fs)
	require.NoError(t, tr.Build()) // no refs, table starts empty

	te, err := tr.LookupByID(99, "sched", "sched_switch")
	require.NoError(t, err)
	require.NotNil(t, te)

	// A second lookup must not need the ProcFS again; break it to prove
	// the cached path is taken.
	fs.formats = nil
	again, err := tr.LookupByID(99, "sched", "sched_switch")
	require.NoError(t, err)
	require.Same(t, te, again)
}

func TestTranslatorNameLookupIsFirstWins(t *testing.T) {
	fs := &fakeProcFS{
		refs: []EventRef{
			{Group: "sched", Name: "sched_switch"},
			{Group: "other", Name: "sched_switch"},
		},
		formats: map[string][]byte{
			"sched/sched_switch": schedSwitchFormat(1),
			"other/sched_switch": schedSwitchFormat(2),
		},
	}
	tr := NewTranslator(fs)
	require.NoError(t, tr.Build())

	te, ok := tr.LookupByName("sched_switch")
	require.True(t, ok)
	require.Equal(t, "sched", te.Event.Group)
}
