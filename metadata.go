package sensordataexport

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/lo"
	"go.viam.com/rdk/logging"
	"gopkg.in/yaml.v3"
)

// ErrExperimentNotFound is returned when no metadata exists for an experiment ID.
var ErrExperimentNotFound = errors.New("experiment not found")

// ErrNilTrial is returned when a nil trial is saved.
var ErrNilTrial = errors.New("trial is nil")

const experimentFileName = "experiment.yaml"

// MetadataStore keeps experiment metadata as YAML documents under a root directory:
// <root>/experiments/<id>/experiment.yaml.
type MetadataStore struct {
	mu      sync.Mutex
	rootDir string
	logger  logging.Logger
}

// NewMetadataStore returns a store rooted at rootDir. The directory is created on
// first save.
func NewMetadataStore(rootDir string, logger logging.Logger) *MetadataStore {
	return &MetadataStore{rootDir: rootDir, logger: logger}
}

func (m *MetadataStore) experimentDir(id string) string {
	return filepath.Join(m.rootDir, "experiments", id)
}

// CreateExperiment creates and saves a new experiment.
func (m *MetadataStore) CreateExperiment(title string) (*Experiment, error) {
	exp := NewExperiment(title)
	if err := m.SaveExperiment(exp); err != nil {
		return nil, err
	}
	return exp, nil
}

// SaveExperiment writes exp, replacing any previous version.
func (m *MetadataStore) SaveExperiment(exp *Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save(exp)
}

func (m *MetadataStore) save(exp *Experiment) error {
	if exp.ID == "" {
		return fmt.Errorf("experiment ID is required")
	}
	data, err := yaml.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encoding experiment %s: %w", exp.ID, err)
	}

	dir := m.experimentDir(exp.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating experiment directory: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, experimentFileName), data); err != nil {
		return fmt.Errorf("writing experiment %s: %w", exp.ID, err)
	}
	return nil
}

// LoadExperiment reads the experiment with the given ID.
func (m *MetadataStore) LoadExperiment(id string) (*Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(id)
}

func (m *MetadataStore) load(id string) (*Experiment, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty ID", ErrExperimentNotFound)
	}
	data, err := os.ReadFile(filepath.Join(m.experimentDir(id), experimentFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, id)
		}
		return nil, fmt.Errorf("reading experiment %s: %w", id, err)
	}

	var exp Experiment
	if err := yaml.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("parsing experiment %s: %w", id, err)
	}
	return &exp, nil
}

// AddTrial saves trial into the experiment, replacing a trial with the same ID.
func (m *MetadataStore) AddTrial(experimentID string, trial *Trial) error {
	if trial == nil {
		return fmt.Errorf("adding trial to experiment %s: %w", experimentID, ErrNilTrial)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, err := m.load(experimentID)
	if err != nil {
		return err
	}
	_, idx, found := lo.FindIndexOf(exp.Trials, func(t *Trial) bool { return t != nil && t.ID == trial.ID })
	if found {
		exp.Trials[idx] = trial
	} else {
		exp.Trials = append(exp.Trials, trial)
	}
	m.logger.Infof("saving trial %s into experiment %s (%d trials)", trial.ID, exp.ID, len(exp.Trials))
	return m.save(exp)
}

// DeleteExperiment removes an experiment's metadata directory.
func (m *MetadataStore) DeleteExperiment(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		return fmt.Errorf("%w: empty ID", ErrExperimentNotFound)
	}
	return os.RemoveAll(m.experimentDir(id))
}

// DeleteRootDirectory removes every experiment.
func (m *MetadataStore) DeleteRootDirectory() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return os.RemoveAll(m.rootDir)
}

// writeFileAtomic writes data to a temp file next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Chmod(0o644); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
