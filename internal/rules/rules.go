// Package rules loads the persisted rules file: a list of
// {exe_path, download_bps, upload_bps, blocked} entries applied at
// startup against the Resolver's live snapshot. Grounded on
// grimm-is-flywall's device database persistence
// (internal/ebpf/socket.DeviceDatabase), which round-trips its state
// through gopkg.in/yaml.v3's Encoder/Decoder.
package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleEntry is one line of the rules file.
type RuleEntry struct {
	ExePath     string `yaml:"exe_path"`
	DownloadBPS uint64 `yaml:"download_bps"`
	UploadBPS   uint64 `yaml:"upload_bps"`
	Blocked     bool   `yaml:"blocked"`
}

// file is the on-disk shape: a top-level "rules" list, leaving room
// for sibling top-level keys (e.g. a schema version) without breaking
// the RuleEntry decode.
type file struct {
	Rules []RuleEntry `yaml:"rules"`
}

// Load reads and parses the rules file at path.
func Load(path string) ([]RuleEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rules: open %s: %w", path, err)
	}
	defer f.Close()

	var parsed file
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("rules: parse %s: %w", path, err)
	}
	return parsed.Rules, nil
}

// Save writes entries to the rules file at path, overwriting it.
func Save(path string, entries []RuleEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rules: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(file{Rules: entries})
}
