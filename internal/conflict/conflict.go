// Package conflict classifies a local/remote event pair against their last
// common sync point and settles conflicting edits.
package conflict

import (
	"errors"
	"fmt"

	"calsync/internal/models"
)

// Classification is the outcome of comparing a local record with its remote copy.
type Classification int

const (
	InSync Classification = iota
	LocalOnly
	RemoteOnly
	Conflict
	// Converged means both sides changed to the same values.
	Converged
)

func (c Classification) String() string {
	switch c {
	case InSync:
		return "in-sync"
	case LocalOnly:
		return "local-only"
	case RemoteOnly:
		return "remote-only"
	case Conflict:
		return "conflict"
	case Converged:
		return "converged"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

// TieBreak decides a merge when both sides changed the same field.
type TieBreak string

const (
	TieBreakLocal  TieBreak = "local"
	TieBreakRemote TieBreak = "remote"
)

// ParseTieBreak validates a tie-break policy name. Empty means local.
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case "", TieBreakLocal:
		return TieBreakLocal, nil
	case TieBreakRemote:
		return TieBreakRemote, nil
	default:
		return "", fmt.Errorf("unknown merge tie-break %q", s)
	}
}

// LocalChanged reports an edit made on this device since the last sync.
func LocalChanged(local *models.EventRecord) bool {
	return local.Dirty || local.UpdatedAt.After(local.SyncedAt)
}

// RemoteChanged reports whether remote differs from the version last seen.
// ETags are authoritative; without them the remote timestamp decides.
func RemoteChanged(local *models.EventRecord, remote models.EventRecord) bool {
	if remote.Deleted != local.Deleted && remote.Deleted {
		return true
	}
	if remote.RemoteVersion != "" || local.RemoteVersion != "" {
		return remote.RemoteVersion != local.RemoteVersion
	}
	return remote.RemoteUpdatedAt.After(local.SyncedAt)
}

// Detect classifies a pair. A nil local means the remote event is new here.
func Detect(local *models.EventRecord, remote models.EventRecord) Classification {
	if local == nil {
		if remote.Deleted {
			return InSync
		}
		return RemoteOnly
	}
	lc, rc := LocalChanged(local), RemoteChanged(local, remote)
	switch {
	case !lc && !rc:
		return InSync
	case lc && !rc:
		return LocalOnly
	case !lc && rc:
		return RemoteOnly
	}
	switch {
	case local.Deleted && remote.Deleted:
		return Converged
	case local.Deleted || remote.Deleted:
		return Conflict
	case local.Fields().Equal(remote.Fields()):
		return Converged
	default:
		return Conflict
	}
}

// Field names a mergeable unit. Start, end, zone and recurrence move
// together so a merge never produces an inconsistent schedule.
type Field string

const (
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldLocation    Field = "location"
	FieldSchedule    Field = "schedule"
)

// Fields lists every mergeable unit.
var Fields = []Field{FieldTitle, FieldDescription, FieldLocation, FieldSchedule}

func sameField(f Field, a, b models.EventFields) bool {
	switch f {
	case FieldTitle:
		return a.Title == b.Title
	case FieldDescription:
		return a.Description == b.Description
	case FieldLocation:
		return a.Location == b.Location
	case FieldSchedule:
		return a.SameSchedule(b)
	}
	return true
}

func copyField(f Field, dst *models.EventFields, src models.EventFields) {
	switch f {
	case FieldTitle:
		dst.Title = src.Title
	case FieldDescription:
		dst.Description = src.Description
	case FieldLocation:
		dst.Location = src.Location
	case FieldSchedule:
		dst.Start, dst.End, dst.TimeZone, dst.Recurrence = src.Start, src.End, src.TimeZone, src.Recurrence
	}
}

// Diff returns the units that differ between a and b.
func Diff(a, b models.EventFields) []Field {
	var out []Field
	for _, f := range Fields {
		if !sameField(f, a, b) {
			out = append(out, f)
		}
	}
	return out
}

// Merge combines local and remote field by field against base. A field
// changed on one side only takes that side's value; a field changed on both
// sides goes to tie. A nil base counts every differing field as changed on
// both sides.
func Merge(base *models.EventFields, local, remote models.EventFields, tie TieBreak) models.EventFields {
	merged := remote
	for _, f := range Fields {
		if sameField(f, local, remote) {
			continue
		}
		localChanged := base == nil || !sameField(f, local, *base)
		remoteChanged := base == nil || !sameField(f, remote, *base)
		switch {
		case localChanged && remoteChanged:
			if tie != TieBreakRemote {
				copyField(f, &merged, local)
			}
		case localChanged:
			copyField(f, &merged, local)
		}
	}
	return merged
}

// Action is what applying a resolution does to the local record.
type Action int

const (
	// Keep stores Outcome.Fields on the local record.
	Keep Action = iota
	// Purge removes the local record; the remote deletion stands.
	Purge
	// Recreate re-creates the event remotely from Outcome.Fields.
	Recreate
	// DeleteRemote propagates the local deletion.
	DeleteRemote
)

// Outcome is a settled conflict.
type Outcome struct {
	Action Action
	Fields models.EventFields
	// Push is set when the remote must be updated to match Fields.
	Push bool
}

// ErrResolved is returned for a conflict that already has a resolution.
var ErrResolved = errors.New("conflict already resolved")

// Resolve settles a conflict.
//
// Remote deletion: remote purges the local copy without resurrecting it;
// local and merge re-create it from the local fields. Local deletion: local
// propagates the deletion; remote and merge keep the remote edit.
func Resolve(c models.ConflictRecord, res models.Resolution, tie TieBreak) (Outcome, error) {
	if c.Resolution != nil {
		return Outcome{}, ErrResolved
	}
	if _, err := models.ParseResolution(string(res)); err != nil {
		return Outcome{}, err
	}
	local, remote := c.Local.Fields(), c.Remote.Fields()

	switch {
	case c.Remote.Deleted:
		if res == models.ResolveRemote {
			return Outcome{Action: Purge}, nil
		}
		return Outcome{Action: Recreate, Fields: local, Push: true}, nil
	case c.Local.Deleted:
		if res == models.ResolveLocal {
			return Outcome{Action: DeleteRemote, Push: true}, nil
		}
		return Outcome{Action: Keep, Fields: remote}, nil
	}

	var fields models.EventFields
	switch res {
	case models.ResolveLocal:
		fields = local
	case models.ResolveRemote:
		fields = remote
	case models.ResolveMerge:
		fields = Merge(c.Local.Base, local, remote, tie)
	}
	return Outcome{Action: Keep, Fields: fields, Push: !fields.Equal(remote)}, nil
}
