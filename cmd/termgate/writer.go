package main

import (
	"sync"

	"github.com/odvcencio/termgate/pkg/config"
)

// policyFileWriter persists permanent approvals back to the config file by
// moving the fingerprint into the always_allow list. The file watcher picks
// up the save and feeds the updated policy through the normal reload path.
type policyFileWriter struct {
	mu  sync.Mutex
	cfg *config.Config
}

func (w *policyFileWriter) replace(cfg *config.Config) {
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
}

func (w *policyFileWriter) PromoteToAllow(fingerprint string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.cfg.Policy.AlwaysAsk[:0]
	for _, pattern := range w.cfg.Policy.AlwaysAsk {
		if pattern != fingerprint {
			kept = append(kept, pattern)
		}
	}
	w.cfg.Policy.AlwaysAsk = kept

	for _, pattern := range w.cfg.Policy.AlwaysAllow {
		if pattern == fingerprint {
			return w.cfg.Save()
		}
	}
	w.cfg.Policy.AlwaysAllow = append(w.cfg.Policy.AlwaysAllow, fingerprint)
	return w.cfg.Save()
}
