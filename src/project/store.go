package project

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"

	"github.com/thought-machine/querysync/src/core"
	"github.com/thought-machine/querysync/src/fs"
	"github.com/thought-machine/querysync/src/query"
	"github.com/thought-machine/querysync/src/querier"
	"github.com/thought-machine/querysync/src/scm"
)

// A Store persists project state between invocations.
type Store interface {
	// Save saves the given state.
	Save(state *querier.State) error
	// Load loads the last saved state for the given definition.
	// It returns nil if there isn't one or it was for a different project.
	Load(def core.ProjectDefinition) (*querier.State, error)
}

// stateVersion is bumped whenever the format changes; anything saved with another version is ignored.
const stateVersion = 1

// stateFileName is the file in the state directory that we save to.
const stateFileName = "query_state.gob.xz"

// A fileStore is a Store that saves to an xz-compressed gob file.
type fileStore struct {
	filename string
}

// NewFileStore returns a new Store that saves state in the given directory.
func NewFileStore(dir string) Store {
	return &fileStore{filename: filepath.Join(dir, stateFileName)}
}

type savedState struct {
	Version     int
	Definition  core.ProjectDefinition
	SourceFiles []query.SourceFile
	Rules       []query.Rule
	VCS         *scm.State
}

func (s *fileStore) Save(state *querier.State) error {
	saved := savedState{
		Version:    stateVersion,
		Definition: state.Definition,
		VCS:        state.VCS,
	}
	records, err := query.ReadAll(state.Summary.Records())
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.SourceFile != nil {
			saved.SourceFiles = append(saved.SourceFiles, *r.SourceFile)
		} else if r.Rule != nil {
			saved.Rules = append(saved.Rules, *r.Rule)
		}
	}
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return err
	} else if err := gob.NewEncoder(w).Encode(&saved); err != nil {
		return err
	} else if err := w.Close(); err != nil {
		return err
	}
	log.Debug("Saving project state to %s (%d bytes)", s.filename, buf.Len())
	return fs.WriteFile(&buf, s.filename, 0644)
}

func (s *fileStore) Load(def core.ProjectDefinition) (*querier.State, error) {
	f, err := os.Open(s.filename)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := xz.NewReader(f)
	if err != nil {
		return nil, err
	}
	var saved savedState
	if err := gob.NewDecoder(r).Decode(&saved); err != nil {
		return nil, err
	} else if saved.Version != stateVersion {
		log.Info("Discarding saved project state with version %d", saved.Version)
		return nil, nil
	} else if !saved.Definition.Equal(def) {
		log.Info("Project definition has changed since the last sync (was %s, now %s), discarding saved state", saved.Definition, def)
		return nil, nil
	}
	records := make([]query.Record, 0, len(saved.SourceFiles)+len(saved.Rules))
	for i := range saved.SourceFiles {
		records = append(records, query.Record{SourceFile: &saved.SourceFiles[i]})
	}
	for i := range saved.Rules {
		records = append(records, query.Record{Rule: &saved.Rules[i]})
	}
	summary, err := query.Summarise(query.NewSliceStream(records...))
	if err != nil {
		return nil, err
	}
	return &querier.State{Definition: def, Summary: summary, VCS: saved.VCS}, nil
}
