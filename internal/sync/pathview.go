package sync

import (
	"path"

	"github.com/nimbusfs/sync/internal/driveid"
	"github.com/nimbusfs/sync/internal/snapshot"
)

// RemoteState is the remote-side observation for a path in the current
// sync cycle, derived from a delta ChangeEvent.
type RemoteState struct {
	ItemID    string
	DriveID   driveid.ID
	ParentID  string
	Name      string
	ItemType  ItemType
	Size      int64
	Hash      string
	Mtime     int64 // Unix nanoseconds
	ETag      string
	CTag      string
	IsDeleted bool
}

// LocalState is the local-side observation for a path in the current sync
// cycle, derived from a filesystem ChangeEvent or carried forward from the
// baseline when no local event was observed.
type LocalState struct {
	Name     string
	ItemType ItemType
	Size     int64
	Hash     string
	Mtime    int64 // Unix nanoseconds
}

// BaselineEntry is the last-known-synced state of a single path, persisted
// in the baseline table. It is the third leg of the three-way merge: the
// common ancestor that Remote and Local are each compared against.
type BaselineEntry struct {
	Path       string
	DriveID    driveid.ID
	ItemID     string
	ParentID   string
	ItemType   ItemType
	LocalHash  string
	RemoteHash string
	Size       int64
	Mtime      int64 // Unix nanoseconds
	SyncedAt   int64 // Unix nanoseconds
	ETag       string
}

// PathView is the merged three-way view of a single path for one sync
// cycle: what the planner classifies to produce actions. Any of the three
// fields may be nil — a nil field means "no observation this cycle" (for
// Remote/Local) or "never synced before" (for Baseline).
type PathView struct {
	Path     string
	Remote   *RemoteState
	Local    *LocalState
	Baseline *BaselineEntry
}

// Baseline is the in-memory snapshot of the baseline table for one sync
// cycle, indexed both by path and by (driveID, itemID) for cross-referencing
// delta events to their last-known path.
type Baseline struct {
	ByPath map[string]*BaselineEntry
	ByID   map[driveid.ItemKey]*BaselineEntry

	// idx is the reverse (parentID, name) -> item key index, built up
	// lazily as entries pass through Put/Delete. It is nil on a Baseline
	// built as a bare struct literal (common in tests); idxOrInit lazy-inits
	// on first use, so those Baselines just don't get the reverse index
	// until something calls Put.
	idx *snapshot.Index

	// idByKey resolves the item-key strings stored in idx back to their
	// BaselineEntry, since Node only carries an opaque ID.
	idByKey map[string]*BaselineEntry
}

// idxOrInit returns b's reverse index and key map, initializing them on
// first use so that Baselines constructed as bare struct literals
// (ByPath/ByID set directly, as tests do) don't need to know about the
// index to remain valid.
func (b *Baseline) idxOrInit() *snapshot.Index {
	if b.idx == nil {
		b.idx = snapshot.New()
		b.idByKey = make(map[string]*BaselineEntry)
	}

	return b.idx
}

// GetByParentAndName looks up a baseline entry by its parent item ID and
// base name, used to detect name collisions under a parent during move and
// create classification without a linear scan of the baseline.
func (b *Baseline) GetByParentAndName(parentID, name string) (*BaselineEntry, bool) {
	key, ok := b.idxOrInit().Lookup(parentID, name)
	if !ok {
		return nil, false
	}

	entry, ok := b.idByKey[key]
	return entry, ok
}

// Revision returns the number of mutations applied to the baseline's
// reverse index so far. Used to cheaply detect whether anything changed
// across a sync cycle without diffing the whole baseline.
func (b *Baseline) Revision() uint64 {
	return b.idxOrInit().Revision()
}

// Len returns the number of entries in the baseline.
func (b *Baseline) Len() int {
	return len(b.ByPath)
}

// GetByPath looks up a baseline entry by its synced path.
func (b *Baseline) GetByPath(path string) (*BaselineEntry, bool) {
	e, ok := b.ByPath[path]
	return e, ok
}

// GetByID looks up a baseline entry by its (driveID, itemID) key, used by
// the remote observer to materialize paths for items that moved since the
// last sync.
func (b *Baseline) GetByID(key driveid.ItemKey) (*BaselineEntry, bool) {
	e, ok := b.ByID[key]
	return e, ok
}

// Put inserts or replaces a baseline entry, keeping both indexes in sync.
// If an entry already exists at the same path under a different item key,
// that stale ByID entry is removed first.
func (b *Baseline) Put(entry *BaselineEntry) {
	if old, ok := b.ByPath[entry.Path]; ok {
		delete(b.ByID, driveid.NewItemKey(old.DriveID, old.ItemID))
	}

	b.ByPath[entry.Path] = entry
	b.ByID[driveid.NewItemKey(entry.DriveID, entry.ItemID)] = entry

	key := driveid.NewItemKey(entry.DriveID, entry.ItemID).String()
	b.idxOrInit().Put(snapshot.Node{ID: key, ParentID: entry.ParentID, Name: path.Base(entry.Path)})
	b.idByKey[key] = entry
}

// Delete removes the baseline entry for a path, keeping both indexes in sync.
func (b *Baseline) Delete(path string) {
	entry, ok := b.ByPath[path]
	if !ok {
		return
	}

	delete(b.ByPath, path)
	delete(b.ByID, driveid.NewItemKey(entry.DriveID, entry.ItemID))

	key := driveid.NewItemKey(entry.DriveID, entry.ItemID).String()
	b.idxOrInit().Delete(key)
	delete(b.idByKey, key)
}

// ForEachPath calls fn for every entry in the baseline, ordered arbitrarily.
// Used by the local observer to detect deletions (paths present in the
// baseline but not observed during the filesystem walk).
func (b *Baseline) ForEachPath(fn func(path string, entry *BaselineEntry)) {
	for path, entry := range b.ByPath {
		fn(path, entry)
	}
}
