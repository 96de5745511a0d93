package sensordataexport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cast"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

var Exporter = resource.NewModel("sciencejournal", "sensor-data-export", "exporter")

// ErrNoExport is returned when an experiment has not been exported since startup.
var ErrNoExport = errors.New("no export for experiment")

func init() {
	resource.RegisterService(generic.API, Exporter,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newExporter,
		},
	)
}

type Config struct {
	DatabasePath         string `json:"database_path"`
	MetadataDir          string `json:"metadata_dir"`
	ExportDir            string `json:"export_dir"`
	MaxConcurrentExports int    `json:"max_concurrent_exports,omitempty"` // default: 1
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.DatabasePath == "" {
		return nil, nil, fmt.Errorf("%s: database_path is required", path)
	}
	if cfg.MetadataDir == "" {
		return nil, nil, fmt.Errorf("%s: metadata_dir is required", path)
	}
	if cfg.ExportDir == "" {
		return nil, nil, fmt.Errorf("%s: export_dir is required", path)
	}
	if cfg.MaxConcurrentExports < 0 {
		return nil, nil, fmt.Errorf("%s: max_concurrent_exports must not be negative", path)
	}
	return nil, nil, nil
}

type exportStatus string

const (
	exportQueued    exportStatus = "queued"
	exportRunning   exportStatus = "running"
	exportCompleted exportStatus = "completed"
	exportFailed    exportStatus = "failed"
)

type exportRecord struct {
	status     exportStatus
	path       string
	errs       []error
	queuedAt   time.Time
	finishedAt time.Time
}

func (r *exportRecord) toMap(experimentID string) map[string]interface{} {
	errs := make([]interface{}, len(r.errs))
	for i, err := range r.errs {
		errs[i] = err.Error()
	}
	result := map[string]interface{}{
		"experiment_id": experimentID,
		"status":        string(r.status),
		"path":          r.path,
		"errors":        errs,
		"queued_at":     r.queuedAt.Format(time.RFC3339),
	}
	if !r.finishedAt.IsZero() {
		result["finished_at"] = r.finishedAt.Format(time.RFC3339)
	}
	return result
}

type exporter struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	store    *SQLiteStore
	metadata *MetadataStore
	queue    *OperationQueue

	mu             sync.Mutex
	exports        map[string]*exportRecord
	lastExperiment string
	completed      int
	failed         int
}

func newExporter(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewExporter(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewExporter(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	if conf.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(conf.DatabasePath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	store, err := NewSQLiteStore(conf.DatabasePath, logger.Sublogger("store"))
	if err != nil {
		return nil, fmt.Errorf("opening sensor data store: %w", err)
	}

	maxConcurrent := conf.MaxConcurrentExports
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	s := &exporter{
		name:     name,
		logger:   logger,
		cfg:      conf,
		store:    store,
		metadata: NewMetadataStore(conf.MetadataDir, logger.Sublogger("metadata")),
		queue:    NewOperationQueue(int64(maxConcurrent), logger.Sublogger("queue")),
		exports:  map[string]*exportRecord{},
	}
	return s, nil
}

func (s *exporter) Name() resource.Name {
	return s.name
}

// SensorDataStore exposes the store recorders write samples into.
func (s *exporter) SensorDataStore() SensorDataStore {
	return s.store
}

// AddTrial saves a finished trial into an experiment's metadata.
func (s *exporter) AddTrial(ctx context.Context, experimentID string, trial *Trial) error {
	return s.metadata.AddTrial(experimentID, trial)
}

// GetState summarizes export activity.
func (s *exporter) GetState() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := 0
	for _, r := range s.exports {
		if r.status == exportQueued || r.status == exportRunning {
			pending++
		}
	}
	state := map[string]interface{}{
		"exports_pending":   pending,
		"exports_completed": s.completed,
		"exports_failed":    s.failed,
		"last_experiment":   s.lastExperiment,
	}
	if r, ok := s.exports[s.lastExperiment]; ok {
		state["last_status"] = string(r.status)
		state["last_path"] = r.path
	}
	return state
}

func (s *exporter) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "create_experiment":
		return s.handleCreateExperiment(cmd)
	case "export":
		return s.handleExport(ctx, cmd)
	case "export_status":
		return s.handleExportStatus(cmd)
	case "remove_trial_data":
		return s.handleRemoveTrialData(ctx, cmd)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (s *exporter) handleCreateExperiment(cmd map[string]interface{}) (map[string]interface{}, error) {
	title := cast.ToString(cmd["title"])
	exp, err := s.metadata.CreateExperiment(title)
	if err != nil {
		return nil, fmt.Errorf("creating experiment: %w", err)
	}
	s.logger.Infof("created experiment %s (%q)", exp.ID, title)
	return map[string]interface{}{"experiment_id": exp.ID}, nil
}

func (s *exporter) handleExport(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	experimentID, err := requiredString(cmd, "experiment_id")
	if err != nil {
		return nil, err
	}
	wait, err := cast.ToBoolE(cmd["wait"])
	if err != nil {
		return nil, fmt.Errorf("invalid 'wait' field: %w", err)
	}

	exp, err := s.metadata.LoadExperiment(experimentID)
	if err != nil {
		return nil, err
	}

	saveDir := filepath.Join(s.cfg.ExportDir, experimentID)
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}

	op := NewExportSensorDataOperation(saveDir, s.store, exp, s.logger.Sublogger("export"))
	record := &exportRecord{status: exportQueued, path: op.OutputPath(), queuedAt: time.Now()}
	op.AddObserver(BlockObserver{
		StartHandler: func(Operation) {
			s.mu.Lock()
			defer s.mu.Unlock()
			record.status = exportRunning
		},
		FinishHandler: func(_ Operation, errs []error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			record.finishedAt = time.Now()
			record.errs = errs
			if len(errs) == 0 {
				record.status = exportCompleted
				s.completed++
			} else {
				record.status = exportFailed
				s.failed++
			}
		},
	})

	s.mu.Lock()
	s.exports[experimentID] = record
	s.lastExperiment = experimentID
	s.mu.Unlock()

	if err := s.queue.AddOperation(op); err != nil {
		s.mu.Lock()
		record.status = exportFailed
		record.errs = []error{err}
		s.failed++
		s.mu.Unlock()
		return nil, fmt.Errorf("queueing export: %w", err)
	}
	s.logger.Infof("queued export of experiment %s to %s", experimentID, op.OutputPath())

	if wait {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-op.Done():
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return record.toMap(experimentID), nil
}

func (s *exporter) handleExportStatus(cmd map[string]interface{}) (map[string]interface{}, error) {
	experimentID, err := requiredString(cmd, "experiment_id")
	if err != nil {
		return nil, err
	}

	return s.ExportStatus(experimentID)
}

// ExportStatus reports the most recent export of an experiment.
func (s *exporter) ExportStatus(experimentID string) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.exports[experimentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExport, experimentID)
	}
	return record.toMap(experimentID), nil
}

// LoadExperiment returns an experiment's metadata.
func (s *exporter) LoadExperiment(ctx context.Context, experimentID string) (*Experiment, error) {
	return s.metadata.LoadExperiment(experimentID)
}

// exporterFromDependencies finds the named exporter service among deps.
func exporterFromDependencies(deps resource.Dependencies, name string) (resource.Resource, error) {
	dep, ok := deps[exporterResourceName(name)]
	if !ok {
		return nil, fmt.Errorf("exporter %q not found in dependencies", name)
	}
	return dep, nil
}

func exporterResourceName(name string) resource.Name {
	return resource.NewName(generic.API, name)
}

func (s *exporter) handleRemoveTrialData(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	trialID, err := requiredString(cmd, "trial_id")
	if err != nil {
		return nil, err
	}
	if err := s.store.RemoveData(ctx, trialID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "removed", "trial_id": trialID}, nil
}

func requiredString(cmd map[string]interface{}, key string) (string, error) {
	v, err := cast.ToStringE(cmd[key])
	if err != nil || v == "" {
		return "", fmt.Errorf("missing or invalid '%s' field", key)
	}
	return v, nil
}

func (s *exporter) Close(context.Context) error {
	s.queue.Close()
	return s.store.Close()
}
