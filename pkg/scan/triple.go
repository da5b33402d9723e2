// Package scan models a PST voltage-recorder scan directory: the
// (eb_id, subsystem_id, scan_id) identity, the artifact layout beneath it,
// and the read-only state machine queries (spec §3, §4.B, §4.C).
package scan

import "path/filepath"

// Triple is a scan's natural key, derived from its path relative to a root:
// <eb_id>/<subsystem_id>/<scan_id>/.
type Triple struct {
	EBID        string
	SubsystemID string
	ScanID      string
}

// RelPath returns the triple's path relative to a root directory:
// <eb_id>/<subsystem_id>/<scan_id> (spec §3, §6 "Filesystem layout
// (bit-exact)").
func (t Triple) RelPath() string {
	return filepath.Join(t.EBID, t.SubsystemID, t.ScanID)
}

// PathUnder joins the triple's relative path onto root, giving the scan
// directory for that side (local or remote).
func (t Triple) PathUnder(root string) string {
	return filepath.Join(root, t.RelPath())
}
