package sensordataexport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"sensordataexport/sensordatapb"
)

// SensorDataFileName is the name of the export file written into the save directory.
const SensorDataFileName = "sensorData.proto"

// exportResolutionTier is the full-resolution tier; downsampled tiers are not exported.
const exportResolutionTier = 0

// ErrSaveDirectoryMissing is reported when the export destination does not exist or
// is not a directory.
var ErrSaveDirectoryMissing = errors.New("save directory does not exist")

// ExportSensorDataOperation writes every sample recorded for an experiment's trials
// into <saveDir>/sensorData.proto. Run it on an OperationQueue and observe the result
// with AddObserver.
type ExportSensorDataOperation struct {
	OperationBase

	saveDir    string
	store      SensorDataStore
	experiment *Experiment
	logger     logging.Logger
}

// NewExportSensorDataOperation returns an export of experiment into saveDir.
func NewExportSensorDataOperation(saveDir string, store SensorDataStore, experiment *Experiment, logger logging.Logger) *ExportSensorDataOperation {
	return &ExportSensorDataOperation{
		saveDir:    saveDir,
		store:      store,
		experiment: experiment,
		logger:     logger,
	}
}

// OutputPath is the path of the file the operation writes.
func (op *ExportSensorDataOperation) OutputPath() string {
	return filepath.Join(op.saveDir, SensorDataFileName)
}

// Experiment returns the experiment being exported.
func (op *ExportSensorDataOperation) Experiment() *Experiment {
	return op.experiment
}

func (op *ExportSensorDataOperation) Execute(ctx context.Context) error {
	info, err := os.Stat(op.saveDir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveDirectoryMissing, op.saveDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrSaveDirectoryMissing, op.saveDir)
	}

	data, err := BuildSensorData(ctx, op.store, op.experiment)
	if err != nil {
		return err
	}

	b, err := data.Marshal()
	if err != nil {
		return fmt.Errorf("encoding sensor data: %w", err)
	}
	if err := writeFileAtomic(op.OutputPath(), b); err != nil {
		return fmt.Errorf("writing %s: %w", op.OutputPath(), err)
	}

	op.logger.Infof("exported %d sensor dumps for experiment %s (trials: %v) to %s",
		len(data.Sensors), op.experiment.ID,
		lo.FilterMap(op.experiment.Trials, func(t *Trial, _ int) (string, bool) {
			if t == nil {
				return "", false
			}
			return t.ID, true
		}),
		op.OutputPath())
	return nil
}

type dumpKey struct {
	trialID  string
	sensorID string
}

// BuildSensorData collects one dump per distinct (trial, sensor) pair named by the
// experiment's sensor layouts. Every fetch failure is returned, combined; no partial
// result is returned alongside an error.
func BuildSensorData(ctx context.Context, store SensorDataStore, experiment *Experiment) (*sensordatapb.ScalarSensorData, error) {
	if experiment == nil {
		return nil, errors.New("experiment is required")
	}

	data := &sensordatapb.ScalarSensorData{}
	seen := map[dumpKey]bool{}
	var errs error

	for _, trial := range experiment.Trials {
		if trial == nil || trial.ID == "" {
			continue
		}
		for _, layout := range trial.SensorLayouts {
			key := dumpKey{trialID: trial.ID, sensorID: layout.SensorID}
			if layout.SensorID == "" || seen[key] {
				continue
			}
			seen[key] = true

			if err := ctx.Err(); err != nil {
				return nil, multierr.Append(errs, err)
			}

			points, err := store.FetchSensorData(ctx, trial.ID, layout.SensorID, exportResolutionTier)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("fetching %s for trial %s: %w", layout.SensorID, trial.ID, err))
				continue
			}

			dump := &sensordatapb.ScalarSensorDataDump{
				Tag:     layout.SensorID,
				TrialID: trial.ID,
				Rows:    make([]*sensordatapb.ScalarSensorDataRow, 0, len(points)),
			}
			for _, p := range points {
				dump.Rows = append(dump.Rows, &sensordatapb.ScalarSensorDataRow{TimestampMillis: p.X, Value: p.Y})
			}
			data.Sensors = append(data.Sensors, dump)
		}
	}

	if errs != nil {
		return nil, errs
	}
	return data, nil
}

// ReadSensorDataFile parses an export file.
func ReadSensorDataFile(path string) (*sensordatapb.ScalarSensorData, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data := &sensordatapb.ScalarSensorData{}
	if err := data.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return data, nil
}
