package registry

import (
	finitErrors "finit-go/errors"
)

// Registry owns every service record. The upstream source links records
// with tail-queue macros; here an ordered slice of owned records stands in
// for that list, with two secondary indexes (name → record, pid → record)
// that do not own.
type Registry struct {
	records []*Record
	byKey   map[string]*Record
	byPID   map[int]*Record
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byKey: make(map[string]*Record),
		byPID: make(map[int]*Record),
	}
}

// Register adds a new record or updates an existing one in place by
// (name, instance). Updating an existing identity refreshes every
// configured field in place (command line, type, mask, conditions,
// directory, user, cgroup, pid file, policy, bootstrap flag), including a
// changed Type; it does not stop or kill a running process — the state
// machine's next step reconciles the change.
func (r *Registry) Register(rec *Record) (*Record, error) {
	if rec.Name == "" {
		return nil, finitErrors.ErrMalformedSpec
	}
	key := rec.Key()
	if existing, ok := r.byKey[key]; ok {
		existing.Command = rec.Command
		existing.Args = rec.Args
		existing.Type = rec.Type
		existing.Mask = rec.Mask
		existing.Conditions = rec.Conditions
		existing.AssertOnStart = rec.AssertOnStart
		existing.AssertOnStop = rec.AssertOnStop
		existing.Dir = rec.Dir
		existing.User = rec.User
		existing.CgroupName = rec.CgroupName
		existing.PidFile = rec.PidFile
		existing.Restart = rec.Restart
		existing.Bootstrap = rec.Bootstrap
		existing.touched = true
		return existing, nil
	}

	rec.touched = true
	r.records = append(r.records, rec)
	r.byKey[key] = rec
	return rec, nil
}

// MarkAllUntouched clears the touched flag on every record, ahead of a
// fresh configuration parse; reload uses this to detect records that no
// longer appear in the new configuration.
func (r *Registry) MarkAllUntouched() {
	for _, rec := range r.records {
		rec.touched = false
	}
}

// Find looks up a record by (name, instance). instance may be "".
func (r *Registry) Find(name, instance string) (*Record, bool) {
	key := name
	if instance != "" {
		key = name + "#" + instance
	}
	rec, ok := r.byKey[key]
	return rec, ok
}

// FindByPID looks up the record owning a running pid.
func (r *Registry) FindByPID(pid int) (*Record, bool) {
	rec, ok := r.byPID[pid]
	return rec, ok
}

// BindPID records that pid belongs to rec, updating the secondary index.
// Invariant (i): at most one running pid per record, so a record that
// already owns a different pid has its old binding cleared first.
func (r *Registry) BindPID(rec *Record, pid int) {
	if rec.PID != 0 {
		delete(r.byPID, rec.PID)
	}
	rec.PID = pid
	if pid != 0 {
		r.byPID[pid] = rec
	}
}

// UnbindPID clears a record's pid binding, e.g. once reaped.
func (r *Registry) UnbindPID(rec *Record) {
	r.BindPID(rec, 0)
}

// MarkExited looks up the record owning pid and reports it together with
// whether it was found. Callers (the state machine) apply the exit-info
// transition; the registry itself only resolves identity.
func (r *Registry) MarkExited(pid int) (*Record, bool) {
	rec, ok := r.byPID[pid]
	if ok {
		r.UnbindPID(rec)
	}
	return rec, ok
}

// IterateByFilter calls fn for every record matching predicate, in
// declaration order.
func (r *Registry) IterateByFilter(predicate func(*Record) bool, fn func(*Record)) {
	for _, rec := range r.records {
		if predicate == nil || predicate(rec) {
			fn(rec)
		}
	}
}

// All returns every record in declaration order. Callers must not retain
// the slice beyond the current step.
func (r *Registry) All() []*Record {
	return r.records
}

// PruneBootstrap removes every bootstrap-only record that never started
// (invariant iv), returning the number removed.
func (r *Registry) PruneBootstrap() int {
	kept := r.records[:0]
	removed := 0
	for _, rec := range r.records {
		if rec.Bootstrap && rec.State == Halted && rec.PID == 0 {
			delete(r.byKey, rec.Key())
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	r.records = kept
	return removed
}

// Remove deletes a record outright (used by reload when a record no
// longer appears in configuration and its state is terminal).
func (r *Registry) Remove(rec *Record) {
	delete(r.byKey, rec.Key())
	if rec.PID != 0 {
		delete(r.byPID, rec.PID)
	}
	kept := r.records[:0]
	for _, existing := range r.records {
		if existing != rec {
			kept = append(kept, existing)
		}
	}
	r.records = kept
}

// Len reports the number of registered records.
func (r *Registry) Len() int {
	return len(r.records)
}
