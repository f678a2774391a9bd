package ftrace

import (
	"fmt"
	"sync"
)

// FieldBinding binds one kernel field's byte range to the schema field
// it was translated into.
type FieldBinding struct {
	Offset int
	Size   int
	Signed bool

	SchemaField int // index into TranslatedEvent.Schema.Fields
}

// TranslatedEvent is one entry of the translation table: a parsed event,
// its emitted schema, and the byte-range bindings needed to decode a
// raw kernel record straight into schema field values.
type TranslatedEvent struct {
	Event    *Event
	Schema   Schema
	Bindings []FieldBinding
}

func newTranslatedEvent(ev *Event) *TranslatedEvent {
	schema := ToSchema(ev)
	bindings := make([]FieldBinding, len(schema.Fields))
	for i, sf := range schema.Fields {
		f := ev.Fields[sf.SourceField]
		bindings[i] = FieldBinding{Offset: f.Offset, Size: f.Size, Signed: f.Signed, SchemaField: i}
	}
	return &TranslatedEvent{Event: ev, Schema: schema, Bindings: bindings}
}

type groupName struct {
	group, name string
}

// Translator is the ftrace event translation table from §4.4: built by
// enumerating the ftrace event directory through a ProcFS, it serves
// lookups by (group,name), by bare name (first-wins), by group, and by
// dense kernel event id, falling back to an on-demand "generic" entry
// for event ids never seen during Build.
type Translator struct {
	procfs ProcFS

	mu        sync.Mutex
	byGroup2  map[groupName]*TranslatedEvent
	byName    map[string][]*TranslatedEvent
	byGroup   map[string][]*TranslatedEvent
	byID      []*TranslatedEvent // dense, indexed by kernel event id and sized by the largest known id
}

// NewTranslator constructs an empty Translator backed by procfs.
func NewTranslator(procfs ProcFS) *Translator {
	return &Translator{
		procfs:   procfs,
		byGroup2: make(map[groupName]*TranslatedEvent),
		byName:   make(map[string][]*TranslatedEvent),
		byGroup:  make(map[string][]*TranslatedEvent),
	}
}

// Build enumerates every event under the ftrace event directory,
// parses and translates each one, and populates all four indexes. A
// single event's parse failure is collected and returned but does not
// abort the build; the translator ends up populated with every event
// that did parse.
func (t *Translator) Build() error {
	refs, err := t.procfs.ListEvents()
	if err != nil {
		return fmt.Errorf("ftrace: list events: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for _, ref := range refs {
		data, err := t.procfs.ReadFormat(ref.Group, ref.Name)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("ftrace: read format %s/%s: %w", ref.Group, ref.Name, err)
			}
			continue
		}
		ev, err := ParseFormat(ref.Group, data)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("ftrace: parse format %s/%s: %w", ref.Group, ref.Name, err)
			}
			continue
		}
		t.insertLocked(ev)
	}
	return firstErr
}

func (t *Translator) insertLocked(ev *Event) *TranslatedEvent {
	te := newTranslatedEvent(ev)

	t.byGroup2[groupName{ev.Group, ev.Name}] = te
	t.byName[ev.Name] = append(t.byName[ev.Name], te)
	t.byGroup[ev.Group] = append(t.byGroup[ev.Group], te)

	if int(ev.ID) >= len(t.byID) {
		grown := make([]*TranslatedEvent, ev.ID+1)
		copy(grown, t.byID)
		t.byID = grown
	}
	t.byID[ev.ID] = te
	return te
}

// LookupByGroupName returns the translated event registered under
// (group, name).
func (t *Translator) LookupByGroupName(group, name string) (*TranslatedEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	te, ok := t.byGroup2[groupName{group, name}]
	return te, ok
}

// LookupByName returns the first-registered translated event with the
// given bare name, per §4.4's "name→[events] (first-wins for lookup by
// bare name)".
func (t *Translator) LookupByName(name string) (*TranslatedEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := t.byName[name]
	if len(events) == 0 {
		return nil, false
	}
	return events[0], true
}

// LookupByGroup returns every translated event registered under group.
func (t *Translator) LookupByGroup(group string) []*TranslatedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*TranslatedEvent(nil), t.byGroup[group]...)
}

// LookupByID returns the translated event with the given dense kernel
// id. If the id was never seen during Build, it is served by creating a
// "generic" entry on demand: genericGroup/genericName are used to read
// the format file through the ProcFS, and the result is cached for
// subsequent lookups.
func (t *Translator) LookupByID(id uint32, genericGroup, genericName string) (*TranslatedEvent, error) {
	t.mu.Lock()
	if int(id) < len(t.byID) && t.byID[id] != nil {
		te := t.byID[id]
		t.mu.Unlock()
		return te, nil
	}
	t.mu.Unlock()

	data, err := t.procfs.ReadFormat(genericGroup, genericName)
	if err != nil {
		return nil, fmt.Errorf("ftrace: generic lookup id %d: read format: %w", id, err)
	}
	ev, err := ParseFormat(genericGroup, data)
	if err != nil {
		return nil, fmt.Errorf("ftrace: generic lookup id %d: parse format: %w", id, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) < len(t.byID) && t.byID[id] != nil {
		return t.byID[id], nil
	}
	return t.insertLocked(ev), nil
}
