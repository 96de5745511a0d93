package sensordataexport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
)

// failingStore fails every fetch for the listed sensors and delegates the rest.
type failingStore struct {
	SensorDataStore
	failSensors map[string]bool
}

func (s *failingStore) FetchSensorData(ctx context.Context, trialID, sensorID string, tier int) ([]DataPoint, error) {
	if s.failSensors[sensorID] {
		return nil, fmt.Errorf("read failed for %s", sensorID)
	}
	return s.SensorDataStore.FetchSensorData(ctx, trialID, sensorID, tier)
}

// runExport queues op and returns the errors its observer received.
func runExport(t *testing.T, op *ExportSensorDataOperation) []error {
	t.Helper()
	q := NewOperationQueue(1, logging.NewTestLogger(t))
	defer q.Close()

	finished := make(chan []error, 1)
	op.AddObserver(BlockObserver{FinishHandler: func(_ Operation, errs []error) {
		finished <- errs
	}})
	if err := q.AddOperation(op); err != nil {
		t.Fatalf("AddOperation failed: %v", err)
	}

	select {
	case errs := <-finished:
		return errs
	case <-time.After(10 * time.Second):
		t.Fatal("export did not finish")
		return nil
	}
}

func insertPoints(t *testing.T, store SensorDataStore, trial *Trial, count int) {
	t.Helper()
	for _, layout := range trial.SensorLayouts {
		for value := 0; value < count; value++ {
			err := store.AddDataPoints(context.Background(), trial.ID, layout.SensorID, 0,
				DataPoint{X: int64(value), Y: float64(value)})
			if err != nil {
				t.Fatalf("AddDataPoints failed: %v", err)
			}
		}
	}
}

func TestExportSensorData_TwoTrialsThreeSensors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	store := newTestStore(t)
	metadata := NewMetadataStore(t.TempDir(), logger)

	exp, err := metadata.CreateExperiment("Sensor Data Proto Export")
	if err != nil {
		t.Fatalf("CreateExperiment failed: %v", err)
	}
	trial1 := &Trial{ID: "METADATA_SENSOR_EXPORT_TRIAL_1", SensorLayouts: []SensorLayout{{SensorID: "Sensor_1", Color: "blue"}}}
	trial2 := &Trial{ID: "METADATA_SENSOR_EXPORT_TRIAL_2", SensorLayouts: []SensorLayout{
		{SensorID: "Sensor_2", Color: "blue"},
		{SensorID: "Sensor_3", Color: "blue"},
	}}
	exp.Trials = []*Trial{trial1, trial2}
	if err := metadata.SaveExperiment(exp); err != nil {
		t.Fatalf("SaveExperiment failed: %v", err)
	}

	insertPoints(t, store, trial1, 10)
	insertPoints(t, store, trial2, 10)

	saveDir := filepath.Join(t.TempDir(), "ExportExperimentSensorData")
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	op := NewExportSensorDataOperation(saveDir, store, exp, logger)
	if errs := runExport(t, op); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}

	data, err := ReadSensorDataFile(filepath.Join(saveDir, SensorDataFileName))
	if err != nil {
		t.Fatalf("ReadSensorDataFile failed: %v", err)
	}
	if len(data.Sensors) != 3 {
		t.Fatalf("expected 3 sensor dumps, got %d", len(data.Sensors))
	}

	// dumps can be in any order, so look them up by tag
	for number := 1; number <= 3; number++ {
		sensorID := fmt.Sprintf("Sensor_%d", number)
		dumps := data.DumpsWithTag(sensorID)
		if len(dumps) != 1 {
			t.Fatalf("expected 1 dump for %s, got %d", sensorID, len(dumps))
		}
		dump := dumps[0]
		if len(dump.Rows) != 10 {
			t.Errorf("%s: expected 10 rows, got %d", sensorID, len(dump.Rows))
		}
		wantTrial := trial2.ID
		if number == 1 {
			wantTrial = trial1.ID
		}
		if dump.TrialID != wantTrial {
			t.Errorf("%s: expected trial %s, got %s", sensorID, wantTrial, dump.TrialID)
		}
		for i, row := range dump.Rows {
			if row.TimestampMillis != int64(i) || row.Value != float64(i) {
				t.Errorf("%s row %d: got (%d, %v)", sensorID, i, row.TimestampMillis, row.Value)
			}
		}
	}
}

func TestExportSensorData_Errors(t *testing.T) {
	t.Run("missing save directory is reported to observer", func(t *testing.T) {
		logger := logging.NewTestLogger(t)
		exp := &Experiment{ID: "exp", Trials: []*Trial{NewTrial("s")}}
		missing := filepath.Join(t.TempDir(), "does-not-exist")

		errs := runExport(t, NewExportSensorDataOperation(missing, newTestStore(t), exp, logger))
		if len(errs) != 1 || !errors.Is(errs[0], ErrSaveDirectoryMissing) {
			t.Fatalf("expected ErrSaveDirectoryMissing, got %v", errs)
		}
	})

	t.Run("save path that is a file", func(t *testing.T) {
		logger := logging.NewTestLogger(t)
		file := filepath.Join(t.TempDir(), "plain-file")
		if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		exp := &Experiment{ID: "exp"}

		errs := runExport(t, NewExportSensorDataOperation(file, newTestStore(t), exp, logger))
		if len(errs) != 1 || !errors.Is(errs[0], ErrSaveDirectoryMissing) {
			t.Fatalf("expected ErrSaveDirectoryMissing, got %v", errs)
		}
	})

	t.Run("store failures are collected and no file is written", func(t *testing.T) {
		logger := logging.NewTestLogger(t)
		store := &failingStore{
			SensorDataStore: newTestStore(t),
			failSensors:     map[string]bool{"bad_1": true, "bad_2": true},
		}
		trial := NewTrial("good", "bad_1", "bad_2")
		insertPoints(t, store, trial, 3)
		exp := &Experiment{ID: "exp", Trials: []*Trial{trial}}
		saveDir := t.TempDir()

		errs := runExport(t, NewExportSensorDataOperation(saveDir, store, exp, logger))
		if len(errs) != 2 {
			t.Fatalf("expected 2 errors, got %v", errs)
		}
		if _, err := os.Stat(filepath.Join(saveDir, SensorDataFileName)); !os.IsNotExist(err) {
			t.Errorf("expected no export file, stat err: %v", err)
		}
	})
}

func TestBuildSensorData(t *testing.T) {
	ctx := context.Background()

	t.Run("one dump per trial and sensor pair", func(t *testing.T) {
		store := newTestStore(t)
		trialA := NewTrial("shared", "only_a")
		trialB := NewTrial("shared")
		insertPoints(t, store, trialA, 2)
		insertPoints(t, store, trialB, 5)
		exp := &Experiment{ID: "exp", Trials: []*Trial{trialA, trialB}}

		data, err := BuildSensorData(ctx, store, exp)
		if err != nil {
			t.Fatalf("BuildSensorData failed: %v", err)
		}
		if len(data.Sensors) != 3 {
			t.Fatalf("expected 3 dumps, got %d", len(data.Sensors))
		}
		if d := data.Dump("shared", trialA.ID); d == nil || len(d.Rows) != 2 {
			t.Errorf("unexpected dump for shared/trialA: %+v", d)
		}
		if d := data.Dump("shared", trialB.ID); d == nil || len(d.Rows) != 5 {
			t.Errorf("unexpected dump for shared/trialB: %+v", d)
		}
	})

	t.Run("duplicate and empty layouts are skipped", func(t *testing.T) {
		store := newTestStore(t)
		trial := &Trial{ID: "t", SensorLayouts: []SensorLayout{{SensorID: "s"}, {SensorID: ""}, {SensorID: "s", Color: "red"}}}
		insertPoints(t, store, &Trial{ID: "t", SensorLayouts: []SensorLayout{{SensorID: "s"}}}, 4)
		exp := &Experiment{ID: "exp", Trials: []*Trial{nil, trial}}

		data, err := BuildSensorData(ctx, store, exp)
		if err != nil {
			t.Fatalf("BuildSensorData failed: %v", err)
		}
		if len(data.Sensors) != 1 || len(data.Sensors[0].Rows) != 4 {
			t.Errorf("expected a single dump with 4 rows, got %+v", data.Sensors)
		}
	})

	t.Run("sensor without samples has an empty dump", func(t *testing.T) {
		store := newTestStore(t)
		exp := &Experiment{ID: "exp", Trials: []*Trial{{ID: "t", SensorLayouts: []SensorLayout{{SensorID: "quiet"}}}}}

		data, err := BuildSensorData(ctx, store, exp)
		if err != nil {
			t.Fatalf("BuildSensorData failed: %v", err)
		}
		if d := data.Dump("quiet", "t"); d == nil || len(d.Rows) != 0 {
			t.Errorf("expected empty dump, got %+v", d)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		store := newTestStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		exp := &Experiment{ID: "exp", Trials: []*Trial{NewTrial("s")}}

		_, err := BuildSensorData(cctx, store, exp)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("nil experiment", func(t *testing.T) {
		if _, err := BuildSensorData(ctx, newTestStore(t), nil); err == nil {
			t.Error("expected error for nil experiment")
		}
	})
}
