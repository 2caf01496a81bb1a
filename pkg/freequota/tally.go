package freequota

import "time"

// Tally is the effective usage of a subject over one period's matching records
type Tally struct {
	// Count is the effective count: the subject's own user record when one
	// exists, otherwise the maximum over every matching record
	Count int

	// Target is the record a write lands on; nil means a new record is created
	Target *UsageRecord

	// Authoritative is true when Count came from the subject's own user record
	Authoritative bool
}

// TallyRecords computes the effective count and write target for subject.
// Records that do not match subject are ignored. Every storage backend calls
// this inside its atomic section so the counting policy lives in one place.
func TallyRecords(records []*UsageRecord, subject Subject, precedence []IdentityKind) Tally {
	var t Tally
	var own *UsageRecord

	for _, r := range records {
		if r == nil || !r.Matches(subject) {
			continue
		}
		if r.Count > t.Count {
			t.Count = r.Count
		}
		if !subject.Anonymous() && r.UserID == subject.UserID && better(r, own) {
			own = r
		}
	}

	if own != nil {
		t.Count = own.Count
		t.Target = own
		t.Authoritative = true
		return t
	}

	for _, key := range subject.Keys(precedence) {
		if key.Kind == IdentityUser {
			continue
		}
		var candidate *UsageRecord
		for _, r := range records {
			if r == nil || r.UserID != "" || !sameComponent(r, key) || conflicts(r, subject) {
				continue
			}
			if better(r, candidate) {
				candidate = r
			}
		}
		if candidate != nil {
			t.Target = candidate
			break
		}
	}

	return t
}

// Apply returns the record state after one accepted use. The target (or a new
// record) gets Count+1, the subject's user id merged in, and any missing
// identity components filled. Apply never mutates t.Target.
func (t Tally) Apply(subject Subject, now time.Time, newID func() string) *UsageRecord {
	var rec UsageRecord
	if t.Target != nil {
		rec = *t.Target
	} else {
		if newID != nil {
			rec.ID = newID()
		}
		rec.FirstUseAt = now
	}

	rec.Count = t.Count + 1
	rec.LastUseAt = now
	if rec.UserID == "" {
		rec.UserID = subject.UserID
	}
	if rec.FingerprintHash == "" {
		rec.FingerprintHash = subject.FingerprintHash
	}
	if rec.IPHash == "" {
		rec.IPHash = subject.IPHash
	}
	return &rec
}

func sameComponent(r *UsageRecord, key IdentityKey) bool {
	switch key.Kind {
	case IdentityFingerprint:
		return r.FingerprintHash == key.Value
	case IdentityIP:
		return r.IPHash == key.Value
	}
	return false
}

// conflicts reports whether r was recorded from a different device than subject.
// IP changes are expected for one device and never conflict.
func conflicts(r *UsageRecord, s Subject) bool {
	return r.FingerprintHash != "" && s.FingerprintHash != "" && r.FingerprintHash != s.FingerprintHash
}

// better orders candidate records: higher count, then older, then lower id
func better(r, current *UsageRecord) bool {
	if current == nil {
		return true
	}
	if r.Count != current.Count {
		return r.Count > current.Count
	}
	if !r.FirstUseAt.Equal(current.FirstUseAt) {
		return r.FirstUseAt.Before(current.FirstUseAt)
	}
	return r.ID < current.ID
}
