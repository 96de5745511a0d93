package sensordataexport

import (
	"time"

	"github.com/google/uuid"
)

// DataPoint is one scalar sample: X is a timestamp in milliseconds, Y the value.
type DataPoint struct {
	X int64
	Y float64
}

// SensorLayout associates a sensor with the display settings used for a trial.
type SensorLayout struct {
	SensorID string `yaml:"sensor_id"`
	Color    string `yaml:"color,omitempty"`
}

// Trial is one recording session within an experiment.
type Trial struct {
	ID            string         `yaml:"id"`
	Title         string         `yaml:"title,omitempty"`
	StartedAt     time.Time      `yaml:"started_at,omitempty"`
	EndedAt       time.Time      `yaml:"ended_at,omitempty"`
	SensorLayouts []SensorLayout `yaml:"sensor_layouts"`
}

// Experiment groups trials under a title.
type Experiment struct {
	ID     string   `yaml:"id"`
	Title  string   `yaml:"title"`
	Trials []*Trial `yaml:"trials"`
}

// NewExperiment returns an empty experiment with a fresh ID.
func NewExperiment(title string) *Experiment {
	return &Experiment{ID: uuid.NewString(), Title: title}
}

// NewTrial returns a trial with a fresh ID recording the given sensors.
func NewTrial(sensorIDs ...string) *Trial {
	t := &Trial{ID: uuid.NewString()}
	for _, id := range sensorIDs {
		t.SensorLayouts = append(t.SensorLayouts, SensorLayout{SensorID: id})
	}
	return t
}

// Trial returns the trial with the given ID, or nil.
func (e *Experiment) Trial(id string) *Trial {
	for _, t := range e.Trials {
		if t != nil && t.ID == id {
			return t
		}
	}
	return nil
}
