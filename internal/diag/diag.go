// Package diag defines the error taxonomy and diagnostic reporting used
// across the tile compiler and updater (spec §7).
package diag

import (
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Sentinel error kinds, matching spec §7 1-5. Wrap a sentinel with
// errors.Wrap/Wrapf (github.com/pkg/errors) to attach context and a stack
// trace; test with errors.Is against the sentinel.
var (
	// ErrMalformedInput covers bad varints, truncated records, inconsistent
	// counts, or references to ids never declared in the same stream.
	ErrMalformedInput = errors.New("malformed input")

	// ErrReferentialIntegrity covers handles or feature ids missing at
	// fixup/resolution time.
	ErrReferentialIntegrity = errors.New("referential integrity violation")

	// ErrLayoutInvariant covers layout-stage invariant violations (e.g. a
	// coordinate outside the tile's bounds) that indicate a bug upstream.
	ErrLayoutInvariant = errors.New("layout invariant violation")

	// ErrArenaIO covers allocator/IO failures that must abort the whole run.
	ErrArenaIO = errors.New("arena or io failure")

	// ErrVersionConflict is raised (and then swallowed by the caller) when
	// an incoming change's version does not exceed the version on file.
	ErrVersionConflict = errors.New("version conflict")
)

// Malformedf wraps ErrMalformedInput with a formatted message.
func Malformedf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformedInput, format, args...)
}

// ReferentialIntegrityf wraps ErrReferentialIntegrity with a formatted message.
func ReferentialIntegrityf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrReferentialIntegrity, format, args...)
}

// LayoutInvariantf wraps ErrLayoutInvariant with a formatted message.
func LayoutInvariantf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrLayoutInvariant, format, args...)
}

// ArenaIOf wraps ErrArenaIO with a formatted message.
func ArenaIOf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrArenaIO, format, args...)
}

// VersionConflictf wraps ErrVersionConflict with a formatted message.
func VersionConflictf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrVersionConflict, format, args...)
}

// Logger is the structured logger shared by the build and update pipelines.
// Call sites attach a "tile" and/or "run" field so concurrent per-tile log
// lines from internal/engine can be told apart.
type Logger struct {
	*logrus.Entry
}

// NewLogger returns a Logger that logs run as a structured field on every
// entry, matching the correlation-id pattern described in SPEC_FULL.md §9.
func NewLogger(run string) Logger {
	base := logrus.New()
	return Logger{base.WithField("run", run)}
}

// ForTile returns a child logger scoped to one tile (TIP).
func (l Logger) ForTile(tip int) Logger {
	return Logger{l.Entry.WithField("tip", tip)}
}

// Diagnostics accumulates non-fatal warnings for a single tile run (spec §7:
// "Local recovery... there is no retry"). Fatal errors should not go through
// this type; return them directly instead.
type Diagnostics struct {
	errs *multierror.Error
}

// Warn records a non-fatal diagnostic.
func (d *Diagnostics) Warn(format string, args ...interface{}) {
	d.errs = multierror.Append(d.errs, fmt.Errorf(format, args...))
}

// Empty reports whether any diagnostics were recorded.
func (d *Diagnostics) Empty() bool {
	return d.errs == nil || d.errs.Len() == 0
}

// Err returns the accumulated diagnostics as a single error, or nil.
func (d *Diagnostics) Err() error {
	if d.Empty() {
		return nil
	}
	return d.errs
}

// Len returns the number of accumulated diagnostics.
func (d *Diagnostics) Len() int {
	if d.errs == nil {
		return 0
	}
	return d.errs.Len()
}
