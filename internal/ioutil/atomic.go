// Package ioutil provides the write-then-rename atomic file primitives the
// hot-reload snapshots (live_params, allocations) are built on, plus an
// mtime poller so StrategyLoop can cheaply notice a new snapshot without
// re-reading the file every tick.
package ioutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// WriteJSONAtomic writes v as JSON to path using a temp file + rename so
// readers never observe a partially-written snapshot.
func WriteJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// ReadJSON reads and unmarshals the JSON at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// WriteFileAtomic writes data to path using a temp file + rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// MtimePoller tracks a file's last-observed modification time so a caller
// can cheaply ask "has this snapshot changed since I last loaded it?"
// without re-parsing it every tick.
type MtimePoller struct {
	path       string
	lastMtime  time.Time
	lastExists bool
}

// NewMtimePoller creates a poller for path. The first call to Changed
// always reports true if the file exists, so the caller performs an
// initial load.
func NewMtimePoller(path string) *MtimePoller {
	return &MtimePoller{path: path}
}

// Changed reports whether path's mtime has advanced since the last call,
// and updates the poller's internal bookkeeping. A missing file is treated
// as unchanged (returns false) once already observed missing.
func (p *MtimePoller) Changed() bool {
	info, err := os.Stat(p.path)
	if err != nil {
		wasPresent := p.lastExists
		p.lastExists = false
		return wasPresent // file just disappeared: report a change once
	}

	mtime := info.ModTime()
	changed := !p.lastExists || mtime.After(p.lastMtime)
	p.lastMtime = mtime
	p.lastExists = true
	return changed
}
