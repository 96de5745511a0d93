package sensordataexport

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cast"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var ExportStatusSensor = resource.NewModel("sciencejournal", "sensor-data-export", "export-status")

func init() {
	resource.RegisterComponent(sensor.API, ExportStatusSensor,
		resource.Registration[sensor.Sensor, *StatusSensorConfig]{
			Constructor: newStatusSensor,
		},
	)
}

type StatusSensorConfig struct {
	Exporter     string `json:"exporter"`
	ExperimentID string `json:"experiment_id,omitempty"` // default experiment to report on
}

func (cfg *StatusSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Exporter == "" {
		return nil, nil, fmt.Errorf("%s: exporter is required", path)
	}
	return []string{exporterResourceName(cfg.Exporter).String()}, nil, nil
}

// exportStatusProvider is the part of the exporter the status sensor reads.
type exportStatusProvider interface {
	GetState() map[string]interface{}
	ExportStatus(experimentID string) (map[string]interface{}, error)
}

// statusSensor reports export progress. With an experiment ID, from the config or
// from extra["experiment_id"], readings describe that experiment's latest export;
// otherwise they summarize the exporter.
type statusSensor struct {
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	name         resource.Name
	logger       logging.Logger
	exporter     exportStatusProvider
	experimentID string
}

func newStatusSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*StatusSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	dep, err := exporterFromDependencies(deps, conf.Exporter)
	if err != nil {
		return nil, err
	}
	provider, ok := dep.(exportStatusProvider)
	if !ok {
		return nil, fmt.Errorf("exporter %q does not report export status", conf.Exporter)
	}

	return &statusSensor{
		name:         rawConf.ResourceName(),
		logger:       logger,
		exporter:     provider,
		experimentID: conf.ExperimentID,
	}, nil
}

func (s *statusSensor) Name() resource.Name {
	return s.name
}

func (s *statusSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	experimentID := s.experimentID
	if id := cast.ToString(extra["experiment_id"]); id != "" {
		experimentID = id
	}
	if experimentID == "" {
		return s.exporter.GetState(), nil
	}

	status, err := s.exporter.ExportStatus(experimentID)
	if errors.Is(err, ErrNoExport) {
		return map[string]interface{}{"experiment_id": experimentID, "status": "none"}, nil
	}
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (s *statusSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, resource.ErrDoUnimplemented
}
