// Package sensordatapb encodes and decodes the scalar sensor data export file.
//
// The wire format is:
//
//	message ScalarSensorData     { repeated ScalarSensorDataDump sensors = 1; }
//	message ScalarSensorDataDump { string tag = 1; string trial_id = 2; repeated ScalarSensorDataRow rows = 3; }
//	message ScalarSensorDataRow  { int64 timestamp_millis = 1; double value = 2; }
package sensordatapb

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	sensorDataSensorsField protowire.Number = 1

	dumpTagField     protowire.Number = 1
	dumpTrialIDField protowire.Number = 2
	dumpRowsField    protowire.Number = 3

	rowTimestampField protowire.Number = 1
	rowValueField     protowire.Number = 2
)

// ScalarSensorDataRow is a single (timestamp, value) sample.
type ScalarSensorDataRow struct {
	TimestampMillis int64
	Value           float64
}

// ScalarSensorDataDump holds every sample one sensor recorded during one trial.
type ScalarSensorDataDump struct {
	Tag     string
	TrialID string
	Rows    []*ScalarSensorDataRow
}

// ScalarSensorData is the top-level export record.
type ScalarSensorData struct {
	Sensors []*ScalarSensorDataDump
}

// Dump returns the dump recorded for tag during trialID, or nil.
func (m *ScalarSensorData) Dump(tag, trialID string) *ScalarSensorDataDump {
	for _, d := range m.Sensors {
		if d.Tag == tag && d.TrialID == trialID {
			return d
		}
	}
	return nil
}

// DumpsWithTag returns every dump for the given sensor tag, in file order.
func (m *ScalarSensorData) DumpsWithTag(tag string) []*ScalarSensorDataDump {
	var dumps []*ScalarSensorDataDump
	for _, d := range m.Sensors {
		if d.Tag == tag {
			dumps = append(dumps, d)
		}
	}
	return dumps
}

// Marshal returns the protobuf wire encoding of m.
func (m *ScalarSensorData) Marshal() ([]byte, error) {
	var b []byte
	for i, d := range m.Sensors {
		if d == nil {
			return nil, fmt.Errorf("sensors[%d] is nil", i)
		}
		inner, err := d.appendTo(nil)
		if err != nil {
			return nil, fmt.Errorf("sensors[%d]: %w", i, err)
		}
		b = protowire.AppendTag(b, sensorDataSensorsField, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b, nil
}

// Unmarshal parses the protobuf wire encoding in b into m, replacing its contents.
// Unknown fields are skipped.
func (m *ScalarSensorData) Unmarshal(b []byte) error {
	m.Sensors = nil
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if num == sensorDataSensorsField && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			d := &ScalarSensorDataDump{}
			if err := d.unmarshal(v); err != nil {
				return fmt.Errorf("sensors[%d]: %w", len(m.Sensors), err)
			}
			m.Sensors = append(m.Sensors, d)
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func (d *ScalarSensorDataDump) appendTo(b []byte) ([]byte, error) {
	b = protowire.AppendTag(b, dumpTagField, protowire.BytesType)
	b = protowire.AppendString(b, d.Tag)
	b = protowire.AppendTag(b, dumpTrialIDField, protowire.BytesType)
	b = protowire.AppendString(b, d.TrialID)
	for i, r := range d.Rows {
		if r == nil {
			return nil, fmt.Errorf("rows[%d] is nil", i)
		}
		b = protowire.AppendTag(b, dumpRowsField, protowire.BytesType)
		b = protowire.AppendBytes(b, r.appendTo(nil))
	}
	return b, nil
}

func (d *ScalarSensorDataDump) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == dumpTagField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			d.Tag = v
			b = b[n:]
		case num == dumpTrialIDField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			d.TrialID = v
			b = b[n:]
		case num == dumpRowsField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r := &ScalarSensorDataRow{}
			if err := r.unmarshal(v); err != nil {
				return fmt.Errorf("rows[%d]: %w", len(d.Rows), err)
			}
			d.Rows = append(d.Rows, r)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func (r *ScalarSensorDataRow) appendTo(b []byte) []byte {
	b = protowire.AppendTag(b, rowTimestampField, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.TimestampMillis))
	b = protowire.AppendTag(b, rowValueField, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(r.Value))
	return b
}

func (r *ScalarSensorDataRow) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == rowTimestampField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.TimestampMillis = int64(v)
			b = b[n:]
		case num == rowValueField && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			r.Value = math.Float64frombits(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
