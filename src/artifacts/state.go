package artifacts

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"

	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/fs"
)

// stateFileName is the file beneath the cache root that the tracker's index is saved to.
const stateFileName = "artifact_tracker_state"

// stateVersion is bumped whenever the saved format changes. Saved state with any other
// version is ignored.
const stateVersion = 1

type savedState struct {
	Version int
	Entries map[string]entry
	Targets map[string][]string
}

// save writes the tracker's current index to disk. The mutex must be held.
func (t *Tracker) save() error {
	state := savedState{
		Version: stateVersion,
		Entries: make(map[string]entry, len(t.entries)),
		Targets: make(map[string][]string, len(t.targets)),
	}
	for k, e := range t.entries {
		state.Entries[k] = *e
	}
	for label, paths := range t.targets {
		state.Targets[label.String()] = paths
	}
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return err
	} else if err := gob.NewEncoder(w).Encode(&state); err != nil {
		return err
	} else if err := w.Close(); err != nil {
		return err
	}
	return fs.WriteFile(&buf, filepath.Join(t.root, stateFileName), 0644)
}

// load reads any previously saved index. Entries whose files have since vanished are dropped.
func (t *Tracker) load() error {
	f, err := os.Open(filepath.Join(t.root, stateFileName))
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	defer f.Close()
	r, err := xz.NewReader(f)
	if err != nil {
		return err
	}
	var state savedState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return err
	} else if state.Version != stateVersion {
		log.Info("Ignoring artifact tracker state with version %d (we are at %d)", state.Version, stateVersion)
		return nil
	}
	for k, e := range state.Entries {
		if !fs.PathExists(filepath.Join(t.root, k)) {
			log.Debug("Cached artifact %s no longer exists", k)
			continue
		}
		e := e
		t.entries[k] = &e
		if unpacked(e.Role, e.Source) {
			t.aarDirs[k] = struct{}{}
		}
	}
	for l, paths := range state.Targets {
		label, err := core.TryParseLabel(l)
		if err != nil {
			return fmt.Errorf("invalid label in saved state: %w", err)
		}
		present := make([]string, 0, len(paths))
		for _, p := range paths {
			if _, ok := t.entries[p]; ok {
				present = append(present, p)
			}
		}
		if len(present) < len(paths) {
			continue // Something's gone missing, so it's not live any more.
		}
		t.targets[label] = present
	}
	log.Debug("Loaded artifact tracker state: %d entries for %d targets", len(t.entries), len(t.targets))
	return nil
}
