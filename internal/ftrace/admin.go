package ftrace

import (
	"fmt"
	"os"
	"path"
)

// DebugFSRoot is the conventional mount point for the ftrace control
// files. Grounded on google-traceout/ftrace/file.go's ftracePath
// constant; kept as a var rather than a const so tests can point it at
// a scratch directory.
var DebugFSRoot = "/sys/kernel/debug/tracing"

// resetFiles lists, in order, the control files traced_probes'
// --cleanup-after-crash writes to undo any tracing state a crashed
// daemon left behind: stop the global trace, clear buffered events,
// then disable every event this process may have enabled.
var resetFiles = []struct {
	path string
	data string
}{
	{"tracing_on", "0"},
	{"trace", ""},
	{"events/enable", "0"},
}

// ResetKernelState writes the well-known ftrace control files that
// undo tracing state left behind by a crashed daemon, per §6's
// "--cleanup-after-crash ... resets kernel ftrace state". Grounded on
// google-traceout/ftrace/file.go's localFileProvider.WriteFtraceFile
// (os file write rooted at the debugfs tracing directory); this
// collapses that FileProvider abstraction down to the one write
// traced_probes needs rather than threading the full interface through
// a one-shot CLI command.
func ResetKernelState() error {
	for _, f := range resetFiles {
		p := path.Join(DebugFSRoot, f.path)
		if err := os.WriteFile(p, []byte(f.data), 0); err != nil {
			return fmt.Errorf("ftrace: reset %s: %w", p, err)
		}
	}
	return nil
}
