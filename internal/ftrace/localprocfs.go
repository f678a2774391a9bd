package ftrace

import (
	"fmt"
	"os"
	"path"
)

// LocalProcFS implements ProcFS by reading the debugfs tracing
// directory of the host it runs on. Grounded on
// google-traceout/ftrace/file.go's localFileProvider, narrowed to the
// read-only surface internal/ftrace.Translator needs.
type LocalProcFS struct {
	// Root overrides DebugFSRoot when non-empty, for tests.
	Root string
}

func (l LocalProcFS) root() string {
	if l.Root != "" {
		return l.Root
	}
	return DebugFSRoot
}

// ListEvents walks <root>/events/<group>/<name>/format.
func (l LocalProcFS) ListEvents() ([]EventRef, error) {
	eventsDir := path.Join(l.root(), "events")
	groups, err := os.ReadDir(eventsDir)
	if err != nil {
		return nil, fmt.Errorf("ftrace: list event groups: %w", err)
	}

	var refs []EventRef
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		groupDir := path.Join(eventsDir, g.Name())
		names, err := os.ReadDir(groupDir)
		if err != nil {
			continue
		}
		for _, n := range names {
			if !n.IsDir() {
				continue
			}
			if _, err := os.Stat(path.Join(groupDir, n.Name(), "format")); err != nil {
				continue
			}
			refs = append(refs, EventRef{Group: g.Name(), Name: n.Name()})
		}
	}
	return refs, nil
}

// ReadFormat reads <root>/events/<group>/<name>/format.
func (l LocalProcFS) ReadFormat(group, name string) ([]byte, error) {
	p := path.Join(l.root(), "events", group, name, "format")
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("ftrace: read format %s/%s: %w", group, name, err)
	}
	return data, nil
}

var _ ProcFS = LocalProcFS{}
