package scan

import "pst-send/pkg/artifact"

// Pair is a data/weights file pair keyed by the shared filename suffix
// (spec §3 "Artifact pair"). Stat is nil until post-processing has run.
type Pair struct {
	Key     string
	Data    *artifact.File
	Weights *artifact.File
	Stat    *artifact.File
}

// HasStat reports whether post-processing has produced this pair's stat
// file.
func (p Pair) HasStat() bool {
	return p.Stat != nil
}
