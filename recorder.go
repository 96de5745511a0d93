package sensordataexport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cast"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var TrialRecorder = resource.NewModel("sciencejournal", "sensor-data-export", "trial-recorder")

func init() {
	resource.RegisterComponent(sensor.API, TrialRecorder,
		resource.Registration[sensor.Sensor, *TrialRecorderConfig]{
			Constructor: newTrialRecorder,
		},
	)
}

type TrialRecorderConfig struct {
	Source       string `json:"source"`                   // REQUIRED: sensor to sample
	Exporter     string `json:"exporter"`                 // REQUIRED: exporter service holding the store
	ReadingKey   string `json:"reading_key,omitempty"`    // default: "value"
	SensorID     string `json:"sensor_id,omitempty"`      // default: source name
	SampleRateHz int    `json:"sample_rate_hz,omitempty"` // default: 10
}

func (cfg *TrialRecorderConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Source == "" {
		return nil, nil, fmt.Errorf("%s: source is required", path)
	}
	if cfg.Exporter == "" {
		return nil, nil, fmt.Errorf("%s: exporter is required", path)
	}
	if cfg.SampleRateHz < 0 {
		return nil, nil, fmt.Errorf("%s: sample_rate_hz must not be negative", path)
	}
	return []string{cfg.Source, exporterResourceName(cfg.Exporter).String()}, nil, nil
}

// trialStore is the part of the exporter a recorder writes into.
type trialStore interface {
	SensorDataStore() SensorDataStore
	LoadExperiment(ctx context.Context, experimentID string) (*Experiment, error)
	AddTrial(ctx context.Context, experimentID string, trial *Trial) error
}

// valueReader abstracts reading one scalar from the source.
type valueReader interface {
	ReadValue(ctx context.Context) (float64, error)
}

// sensorValueReader reads a numeric key out of a Viam sensor's readings.
type sensorValueReader struct {
	sensor sensor.Sensor
	key    string
}

func newSensorValueReader(s sensor.Sensor, key string) *sensorValueReader {
	if key == "" {
		key = "value"
	}
	return &sensorValueReader{sensor: s, key: key}
}

func (r *sensorValueReader) ReadValue(ctx context.Context) (float64, error) {
	readings, err := r.sensor.Readings(ctx, nil)
	if err != nil {
		return 0, err
	}

	val, ok := readings[r.key]
	if !ok {
		return 0, fmt.Errorf("sensor readings missing %q key", r.key)
	}
	v, err := cast.ToFloat64E(val)
	if err != nil {
		return 0, fmt.Errorf("sensor reading %q is not numeric: %T", r.key, val)
	}
	return v, nil
}

type recorderState int

const (
	recorderIdle recorderState = iota
	recorderRecording
)

func (s recorderState) String() string {
	if s == recorderRecording {
		return "recording"
	}
	return "idle"
}

type trialRecorder struct {
	resource.AlwaysRebuild

	name     resource.Name
	logger   logging.Logger
	reader   valueReader
	store    trialStore
	sensorID string
	interval time.Duration
	now      func() time.Time

	mu           sync.Mutex
	state        recorderState
	trial        *Trial
	experimentID string
	sampleCount  int
	lastValue    float64
	stopCh       chan struct{}
	loopDone     chan struct{}
}

func newTrialRecorder(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*TrialRecorderConfig](rawConf)
	if err != nil {
		return nil, err
	}

	source, err := sensor.FromDependencies(deps, conf.Source)
	if err != nil {
		return nil, fmt.Errorf("getting source sensor: %w", err)
	}

	dep, err := exporterFromDependencies(deps, conf.Exporter)
	if err != nil {
		return nil, err
	}
	store, ok := dep.(trialStore)
	if !ok {
		return nil, fmt.Errorf("exporter %q does not provide a sensor data store", conf.Exporter)
	}

	sensorID := conf.SensorID
	if sensorID == "" {
		sensorID = conf.Source
	}
	sampleRate := conf.SampleRateHz
	if sampleRate <= 0 {
		sampleRate = 10
	}

	logger.Infof("trial-recorder sampling %q (key: %q) as sensor %q at %d Hz", conf.Source, conf.ReadingKey, sensorID, sampleRate)
	return &trialRecorder{
		name:     rawConf.ResourceName(),
		logger:   logger,
		reader:   newSensorValueReader(source, conf.ReadingKey),
		store:    store,
		sensorID: sensorID,
		interval: time.Second / time.Duration(sampleRate),
		now:      time.Now,
	}, nil
}

func (r *trialRecorder) Name() resource.Name {
	return r.name
}

func (r *trialRecorder) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	trialID := ""
	if r.trial != nil {
		trialID = r.trial.ID
	}
	return map[string]interface{}{
		"state":         r.state.String(),
		"sensor_id":     r.sensorID,
		"trial_id":      trialID,
		"experiment_id": r.experimentID,
		"sample_count":  r.sampleCount,
		"last_value":    r.lastValue,
	}, nil
}

func (r *trialRecorder) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "start_trial":
		return r.handleStartTrial(ctx, cmd)
	case "stop_trial":
		return r.handleStopTrial(ctx)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (r *trialRecorder) handleStartTrial(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	experimentID, err := requiredString(cmd, "experiment_id")
	if err != nil {
		return nil, err
	}
	if _, err := r.store.LoadExperiment(ctx, experimentID); err != nil {
		return nil, fmt.Errorf("starting trial: %w", err)
	}

	r.mu.Lock()
	if r.state != recorderIdle {
		defer r.mu.Unlock()
		return nil, fmt.Errorf("trial %s already recording", r.trial.ID)
	}

	trial := NewTrial(r.sensorID)
	trial.Title = cast.ToString(cmd["title"])
	trial.StartedAt = r.now()

	r.trial = trial
	r.experimentID = experimentID
	r.sampleCount = 0
	r.lastValue = 0
	r.state = recorderRecording
	r.stopCh = make(chan struct{})
	r.loopDone = make(chan struct{})
	go r.samplingLoop(r.stopCh, r.loopDone)
	r.mu.Unlock()

	r.logger.Infof("trial %s started for experiment %s", trial.ID, experimentID)
	return map[string]interface{}{"status": "recording", "trial_id": trial.ID}, nil
}

func (r *trialRecorder) samplingLoop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := r.recordSample(ctx); err != nil {
				r.logger.Warnf("failed to record sample: %v", err)
			}
		}
	}
}

// recordSample reads the source once and stores the value under the active trial.
func (r *trialRecorder) recordSample(ctx context.Context) error {
	r.mu.Lock()
	if r.state != recorderRecording {
		r.mu.Unlock()
		return nil
	}
	trialID := r.trial.ID
	r.mu.Unlock()

	value, err := r.reader.ReadValue(ctx)
	if err != nil {
		return err
	}
	point := DataPoint{X: r.now().UnixMilli(), Y: value}
	if err := r.store.SensorDataStore().AddDataPoints(ctx, trialID, r.sensorID, exportResolutionTier, point); err != nil {
		return err
	}

	r.mu.Lock()
	if r.trial != nil && r.trial.ID == trialID {
		r.sampleCount++
		r.lastValue = value
	}
	r.mu.Unlock()
	return nil
}

// stopLoop signals the sampling loop and waits for it to exit.
func (r *trialRecorder) stopLoop() {
	r.mu.Lock()
	stopCh, loopDone := r.stopCh, r.loopDone
	r.stopCh, r.loopDone = nil, nil
	r.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-loopDone
}

func (r *trialRecorder) handleStopTrial(ctx context.Context) (map[string]interface{}, error) {
	r.mu.Lock()
	idle := r.state == recorderIdle
	r.mu.Unlock()
	if idle {
		return nil, fmt.Errorf("no trial recording")
	}

	trial, experimentID, sampleCount, err := r.endTrial(ctx)
	if err != nil {
		return nil, err
	}
	if trial == nil {
		return nil, fmt.Errorf("no trial recording")
	}

	r.logger.Infof("trial %s stopped: %d samples", trial.ID, sampleCount)
	return map[string]interface{}{
		"status":        "completed",
		"trial_id":      trial.ID,
		"experiment_id": experimentID,
		"sample_count":  sampleCount,
	}, nil
}

// endTrial stops sampling and saves the active trial into its experiment. trial is
// nil when nothing was recording.
func (r *trialRecorder) endTrial(ctx context.Context) (trial *Trial, experimentID string, sampleCount int, err error) {
	r.stopLoop()

	r.mu.Lock()
	if r.trial == nil {
		r.mu.Unlock()
		return nil, "", 0, nil
	}
	trial = r.trial
	experimentID = r.experimentID
	sampleCount = r.sampleCount
	trial.EndedAt = r.now()
	r.state = recorderIdle
	r.trial = nil
	r.experimentID = ""
	r.mu.Unlock()

	if err := r.store.AddTrial(ctx, experimentID, trial); err != nil {
		return trial, experimentID, sampleCount, fmt.Errorf("saving trial %s: %w", trial.ID, err)
	}
	return trial, experimentID, sampleCount, nil
}

// Close ends any trial still recording so its samples stay exportable.
func (r *trialRecorder) Close(ctx context.Context) error {
	trial, experimentID, sampleCount, err := r.endTrial(ctx)
	if err != nil {
		r.logger.Warnf("trial not saved on close: %v", err)
		return err
	}
	if trial != nil {
		r.logger.Infof("saved trial %s into experiment %s on close: %d samples", trial.ID, experimentID, sampleCount)
	}
	return nil
}
