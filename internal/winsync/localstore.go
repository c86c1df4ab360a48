package winsync

import (
	"context"
	"fmt"
	"sync"
)

// LocalEntry is the engine's view of one local directory entry — enough for
// the Mapper to translate it outbound and for the Inbound Processor to apply
// a remote change against it. Real storage backends translate their native
// entry representation into this shape at the boundary.
type LocalEntry struct {
	DN            string
	UniqueID      string // ntUniqueId: hex GUID recorded from the remote side
	SAMAccountName string // ntUserDomainId / samAccountName equivalent
	Kind          EntryKind
	Tombstone     bool
	Attrs         map[string][]string
}

// ChangelogIterator walks the local changelog starting after a given CSN,
// the external collaborator behind Outbound Replayer's "changelog iteration"
// step (spec.md §4.D). Implementations own their own cursor/resume state;
// this package only ever calls Next in a loop until it returns ok=false.
type ChangelogIterator interface {
	// Next returns the next unconsumed Operation after the iterator's
	// current position, or ok=false once the changelog is drained.
	Next(ctx context.Context) (op Operation, ok bool, err error)

	// Close releases any resources (cursor, transaction) held by the
	// iterator.
	Close() error
}

// ReplicaUpdateVector is the external RUV/CSN generator collaborator.
// MaxCSN is what spec.md §8's quantified invariant is checked against:
// after replaying c1..cn in order, MaxCSN() must be >= CSN(cn).
type ReplicaUpdateVector interface {
	MaxCSN(ctx context.Context) (CSN, error)
	Advance(ctx context.Context, csn CSN) error
}

// LocalDirectory is the subset of local-storage operations the Mapper and
// Inbound Processor need: lookup by the three keys spec.md §4.B's DN-mapping
// rules try in order (GUID, samAccountName, DN), plus the mutations an
// inbound apply performs.
type LocalDirectory interface {
	FindByUniqueID(ctx context.Context, guid string) (*LocalEntry, bool, error)
	FindBySAMAccountName(ctx context.Context, kind EntryKind, sam string) (*LocalEntry, bool, error)
	FindByDN(ctx context.Context, dn string) (*LocalEntry, bool, error)

	CreateEntry(ctx context.Context, entry *LocalEntry) error
	ApplyMods(ctx context.Context, dn string, mods []AttrMod) error
	Rename(ctx context.Context, dn, newRDN, newSuperior string) error
	Delete(ctx context.Context, dn string) error
}

// memoryDirectory is a small in-process LocalDirectory adapting the indexed-
// cache shape (DN index + secondary lookup indexes over one authoritative
// map) used for test fixtures and for exercising the Mapper/Inbound
// Processor without a real storage backend wired up.
type memoryDirectory struct {
	mu        sync.RWMutex
	byDN      map[string]*LocalEntry
	byUnique  map[string]string // uniqueID -> DN
	bySAM     map[string]string // "kind:sam" -> DN
}

// NewMemoryDirectory returns a LocalDirectory backed by an in-memory index,
// seeded with the given entries.
func NewMemoryDirectory(seed []*LocalEntry) LocalDirectory {
	d := &memoryDirectory{
		byDN:     make(map[string]*LocalEntry),
		byUnique: make(map[string]string),
		bySAM:    make(map[string]string),
	}

	for _, e := range seed {
		d.index(e)
	}

	return d
}

func samKey(kind EntryKind, sam string) string {
	return fmt.Sprintf("%s:%s", kind, sam)
}

// index adds or refreshes e's position in all three lookup indexes. Caller
// must hold mu for writing.
func (d *memoryDirectory) index(e *LocalEntry) {
	d.byDN[e.DN] = e

	if e.UniqueID != "" {
		d.byUnique[e.UniqueID] = e.DN
	}

	if e.SAMAccountName != "" {
		d.bySAM[samKey(e.Kind, e.SAMAccountName)] = e.DN
	}
}

func (d *memoryDirectory) FindByUniqueID(_ context.Context, guid string) (*LocalEntry, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dn, ok := d.byUnique[guid]
	if !ok {
		return nil, false, nil
	}

	return d.byDN[dn], true, nil
}

func (d *memoryDirectory) FindBySAMAccountName(_ context.Context, kind EntryKind, sam string) (*LocalEntry, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dn, ok := d.bySAM[samKey(kind, sam)]
	if !ok {
		return nil, false, nil
	}

	return d.byDN[dn], true, nil
}

func (d *memoryDirectory) FindByDN(_ context.Context, dn string) (*LocalEntry, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.byDN[dn]

	return e, ok, nil
}

func (d *memoryDirectory) CreateEntry(_ context.Context, entry *LocalEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byDN[entry.DN]; exists {
		return fmt.Errorf("winsync: local entry %s already exists", entry.DN)
	}

	d.index(entry)

	return nil
}

func (d *memoryDirectory) ApplyMods(_ context.Context, dn string, mods []AttrMod) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.byDN[dn]
	if !ok {
		return fmt.Errorf("winsync: local entry %s not found", dn)
	}

	for _, m := range mods {
		switch m.Type {
		case ModAdd:
			e.Attrs[m.Attr] = append(e.Attrs[m.Attr], m.Values...)
		case ModDelete:
			if len(m.Values) == 0 {
				delete(e.Attrs, m.Attr)
			} else {
				e.Attrs[m.Attr] = subtract(e.Attrs[m.Attr], m.Values)
			}
		case ModReplace:
			e.Attrs[m.Attr] = m.Values
		}
	}

	return nil
}

func subtract(values, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, v := range remove {
		drop[v] = true
	}

	out := make([]string, 0, len(values))

	for _, v := range values {
		if !drop[v] {
			out = append(out, v)
		}
	}

	return out
}

func (d *memoryDirectory) Rename(_ context.Context, dn, newRDN, newSuperior string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.byDN[dn]
	if !ok {
		return fmt.Errorf("winsync: local entry %s not found", dn)
	}

	delete(d.byDN, dn)

	if newSuperior == "" {
		newSuperior = dnSuperior(dn)
	}

	e.DN = newRDN + "," + newSuperior
	d.index(e)

	return nil
}

func (d *memoryDirectory) Delete(_ context.Context, dn string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.byDN[dn]
	if !ok {
		return fmt.Errorf("winsync: local entry %s not found", dn)
	}

	delete(d.byDN, dn)

	if e.UniqueID != "" {
		delete(d.byUnique, e.UniqueID)
	}

	if e.SAMAccountName != "" {
		delete(d.bySAM, samKey(e.Kind, e.SAMAccountName))
	}

	return nil
}

// dnSuperior returns dn with its leading RDN stripped.
func dnSuperior(dn string) string {
	for i := 0; i < len(dn); i++ {
		if dn[i] == ',' && (i == 0 || dn[i-1] != '\\') {
			return dn[i+1:]
		}
	}

	return ""
}
