package main

import (
	"sensordataexport"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{generic.API, sensordataexport.Exporter},
		resource.APIModel{sensor.API, sensordataexport.TrialRecorder},
		resource.APIModel{sensor.API, sensordataexport.ExportStatusSensor},
	)
}
