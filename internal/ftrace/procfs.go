package ftrace

// ProcFS is the external collaborator the translation table reads
// format files and the event directory listing through (§4.4's
// "external collaborator (the ftrace procfs)"). Grounded on
// google-traceout/ftrace/eventtype.go's fileProvider field, narrowed
// to the two operations the translator actually needs.
type ProcFS interface {
	// ListEvents returns every (group, name) pair with a format file
	// under the ftrace events directory.
	ListEvents() ([]EventRef, error)
	// ReadFormat returns the raw contents of one event's format file.
	ReadFormat(group, name string) ([]byte, error)
}

// EventRef names one event directory entry without reading its format
// file.
type EventRef struct {
	Group string
	Name  string
}
