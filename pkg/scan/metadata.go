package scan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	scanerrors "pst-send/pkg/errors"
)

// MetadataFilename is the top-level metadata document's name inside a scan
// directory (spec §3).
const MetadataFilename = "data_product.yaml"

// PairStat is one entry in the processing section's per-pair summary,
// appended after each successful stat-binary run (spec §4.E step 5,
// SPEC_FULL.md §2.B/2.C schema).
type PairStat struct {
	Key         string    `yaml:"key" json:"key"`
	StatFile    string    `yaml:"stat_file" json:"stat_file"`
	GeneratedAt time.Time `yaml:"generated_at" json:"generated_at"`
}

// Processing is the metadata document's processing section. ExpectedPairs
// is 0/unset until scan_completed is observed and the count is known;
// Complete is set by ScanProcess as its terminal act for a scan (spec
// §4.E step 6).
type Processing struct {
	ExpectedPairs  int        `yaml:"expected_pairs" json:"expected_pairs"`
	ProcessedPairs int        `yaml:"processed_pairs" json:"processed_pairs"`
	Complete       bool       `yaml:"complete" json:"complete"`
	PairStats      []PairStat `yaml:"pair_stats,omitempty" json:"pair_stats,omitempty"`
}

// Document is the opaque key/value metadata document (spec §3, §9): an
// implementation detail of the capture subsystem that this module only
// needs to read the processing section of, and append to. Extra is
// anything the document carries that this module doesn't model, preserved
// losslessly on write-back.
type Document struct {
	EBID        string                 `yaml:"eb_id" json:"eb_id"`
	SubsystemID string                 `yaml:"subsystem_id" json:"subsystem_id"`
	ScanID      string                 `yaml:"scan_id" json:"scan_id"`
	Processing  Processing             `yaml:"processing" json:"processing"`
	Extra       map[string]interface{} `yaml:",inline" json:"-"`
}

// MarshalJSON flattens Extra alongside the modeled fields, mirroring the
// yaml ",inline" tag's behavior for consumers (the Dashboard) that only
// understand JSON (spec §6: "metadata document as the JSON body").
// Modeled fields win on key collision.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(d.Extra)+4)
	for k, v := range d.Extra {
		out[k] = v
	}
	out["eb_id"] = d.EBID
	out["subsystem_id"] = d.SubsystemID
	out["scan_id"] = d.ScanID
	out["processing"] = d.Processing
	return json.Marshal(out)
}

// LoadMetadata reads and parses the metadata document at dir/data_product.yaml.
func LoadMetadata(dir string) (*Document, error) {
	path := filepath.Join(dir, MetadataFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, scanerrors.New(scanerrors.NotFound, "", "", "", path, err)
		}
		return nil, scanerrors.New(scanerrors.IoError, "", "", "", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, scanerrors.New(scanerrors.InvariantViolation, "", "", "", path, fmt.Errorf("parse metadata document: %w", err))
	}
	return &doc, nil
}

// Save writes the metadata document atomically: write to a sibling temp
// file, fsync, then rename over the final name, so a concurrent reader
// never observes a torn document (spec §5, §9).
func (d *Document) Save(dir string) error {
	path := filepath.Join(dir, MetadataFilename)
	tmp := path + ".tmp"

	data, err := yaml.Marshal(d)
	if err != nil {
		return scanerrors.New(scanerrors.InvariantViolation, d.EBID, d.SubsystemID, d.ScanID, path, fmt.Errorf("marshal metadata document: %w", err))
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return scanerrors.New(scanerrors.IoError, d.EBID, d.SubsystemID, d.ScanID, tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return scanerrors.New(scanerrors.IoError, d.EBID, d.SubsystemID, d.ScanID, tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return scanerrors.New(scanerrors.IoError, d.EBID, d.SubsystemID, d.ScanID, tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return scanerrors.New(scanerrors.IoError, d.EBID, d.SubsystemID, d.ScanID, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return scanerrors.New(scanerrors.IoError, d.EBID, d.SubsystemID, d.ScanID, path, err)
	}
	return nil
}

// IsProcessingComplete reports whether the document's processing section
// declares every expected pair processed.
func (d *Document) IsProcessingComplete() bool {
	return d.Processing.Complete
}

// RecordPairProcessed appends a PairStat and increments ProcessedPairs.
// It does not set Complete — that happens once when scan_completed fires
// and every pair (by the now-known ExpectedPairs count) has a stat file
// (spec §4.E step 6).
func (d *Document) RecordPairProcessed(key, statFile string, at time.Time) {
	d.Processing.ProcessedPairs++
	d.Processing.PairStats = append(d.Processing.PairStats, PairStat{
		Key:         key,
		StatFile:    statFile,
		GeneratedAt: at,
	})
}
