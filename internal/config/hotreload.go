package config

import (
	"fmt"
	"time"

	"github.com/SusBot-cyber/BotMM/internal/ioutil"
)

// LiveParamsSnapshot is the nightly-reoptimiser output: per-asset QuoteParams
// overrides, published atomically (spec §6 "live_params").
type LiveParamsSnapshot struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Assets      map[string]QuoteParams `json:"assets"`
}

// LiveParamsStore polls a live_params snapshot file by mtime and hands back
// a fully-parsed, validated snapshot only when it has actually changed.
type LiveParamsStore struct {
	path   string
	poller *ioutil.MtimePoller
}

// NewLiveParamsStore creates a store polling the snapshot at path.
func NewLiveParamsStore(path string) *LiveParamsStore {
	return &LiveParamsStore{path: path, poller: ioutil.NewMtimePoller(path)}
}

// Poll returns (snapshot, true, nil) if the file changed since the last
// call, (zero, false, nil) if unchanged, or an error if the changed file
// could not be parsed.
func (s *LiveParamsStore) Poll() (LiveParamsSnapshot, bool, error) {
	if !s.poller.Changed() {
		return LiveParamsSnapshot{}, false, nil
	}
	var snap LiveParamsSnapshot
	if err := ioutil.ReadJSON(s.path, &snap); err != nil {
		return LiveParamsSnapshot{}, false, fmt.Errorf("failed to load live params snapshot: %w", err)
	}
	for symbol, p := range snap.Assets {
		if err := p.Validate(); err != nil {
			return LiveParamsSnapshot{}, false, fmt.Errorf("live params for %s invalid: %w", symbol, err)
		}
	}
	return snap, true, nil
}

// WriteLiveParamsSnapshot publishes a new live_params snapshot atomically,
// for use by the nightly reoptimiser (an out-of-scope collaborator, but
// tests need to produce one).
func WriteLiveParamsSnapshot(path string, snap LiveParamsSnapshot) error {
	return ioutil.WriteJSONAtomic(path, snap)
}
