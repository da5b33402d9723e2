package scan

import "context"

// Scan is the polymorphic view over a scan directory (spec §4.B). A single
// VoltageRecorderScan type implements it for both the local and the
// remote side — only the root directory differs.
type Scan interface {
	Triple() Triple
	Dir() string

	EnumeratePairs(ctx context.Context) ([]Pair, error)
	UnprocessedPairs(ctx context.Context) ([]Pair, error)

	IsScanCompleted() bool
	IsProcessingCompleted(ctx context.Context) (bool, error)
	IsTransferCompleted() bool
	IsComplete(ctx context.Context) (bool, error)

	Delete() error
}
