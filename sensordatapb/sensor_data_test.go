package sensordatapb

import (
	"testing"

	"go.viam.com/test"
)

func TestMarshalWireLayout(t *testing.T) {
	data := &ScalarSensorData{
		Sensors: []*ScalarSensorDataDump{
			{
				Tag:     "s",
				TrialID: "t",
				Rows:    []*ScalarSensorDataRow{{TimestampMillis: 1, Value: 0.5}},
			},
		},
	}

	b, err := data.Marshal()
	test.That(t, err, test.ShouldBeNil)

	row := []byte{0x08, 0x01, 0x11, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xe0, 0x3f}
	dump := append([]byte{0x0a, 0x01, 's', 0x12, 0x01, 't', 0x1a, byte(len(row))}, row...)
	want := append([]byte{0x0a, byte(len(dump))}, dump...)
	test.That(t, b, test.ShouldResemble, want)
}

func TestUnmarshal(t *testing.T) {
	t.Run("restores dumps and row order", func(t *testing.T) {
		data := &ScalarSensorData{
			Sensors: []*ScalarSensorDataDump{
				{Tag: "Sensor_1", TrialID: "trial-1", Rows: []*ScalarSensorDataRow{
					{TimestampMillis: 0, Value: 0},
					{TimestampMillis: -1, Value: -2.25},
					{TimestampMillis: 1700000000000, Value: 3.5},
				}},
				{Tag: "Sensor_2", TrialID: "trial-2"},
			},
		}
		b, err := data.Marshal()
		test.That(t, err, test.ShouldBeNil)

		var got ScalarSensorData
		test.That(t, got.Unmarshal(b), test.ShouldBeNil)
		test.That(t, got.Sensors, test.ShouldHaveLength, 2)

		first := got.Dump("Sensor_1", "trial-1")
		test.That(t, first, test.ShouldNotBeNil)
		test.That(t, first.Rows, test.ShouldHaveLength, 3)
		test.That(t, first.Rows[1].TimestampMillis, test.ShouldEqual, int64(-1))
		test.That(t, first.Rows[1].Value, test.ShouldEqual, -2.25)
		test.That(t, first.Rows[2].TimestampMillis, test.ShouldEqual, int64(1700000000000))

		second := got.Dump("Sensor_2", "trial-2")
		test.That(t, second, test.ShouldNotBeNil)
		test.That(t, second.Rows, test.ShouldBeEmpty)
	})

	t.Run("skips unknown fields", func(t *testing.T) {
		data := &ScalarSensorData{Sensors: []*ScalarSensorDataDump{{Tag: "a", TrialID: "b"}}}
		b, err := data.Marshal()
		test.That(t, err, test.ShouldBeNil)

		// field 15, varint 5
		withUnknown := append([]byte{0x78, 0x05}, b...)

		var got ScalarSensorData
		test.That(t, got.Unmarshal(withUnknown), test.ShouldBeNil)
		test.That(t, got.Sensors, test.ShouldHaveLength, 1)
		test.That(t, got.Sensors[0].Tag, test.ShouldEqual, "a")
	})

	t.Run("rejects truncated input", func(t *testing.T) {
		data := &ScalarSensorData{Sensors: []*ScalarSensorDataDump{{
			Tag: "a", TrialID: "b",
			Rows: []*ScalarSensorDataRow{{TimestampMillis: 7, Value: 1}},
		}}}
		b, err := data.Marshal()
		test.That(t, err, test.ShouldBeNil)

		var got ScalarSensorData
		test.That(t, got.Unmarshal(b[:len(b)-1]), test.ShouldNotBeNil)
	})

	t.Run("empty input is an empty record", func(t *testing.T) {
		got := ScalarSensorData{Sensors: []*ScalarSensorDataDump{{Tag: "stale"}}}
		test.That(t, got.Unmarshal(nil), test.ShouldBeNil)
		test.That(t, got.Sensors, test.ShouldBeEmpty)
	})
}

func TestMarshalRejectsNilEntries(t *testing.T) {
	_, err := (&ScalarSensorData{Sensors: []*ScalarSensorDataDump{nil}}).Marshal()
	test.That(t, err, test.ShouldNotBeNil)

	_, err = (&ScalarSensorData{Sensors: []*ScalarSensorDataDump{{Tag: "a", Rows: []*ScalarSensorDataRow{nil}}}}).Marshal()
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDumpsWithTag(t *testing.T) {
	data := &ScalarSensorData{Sensors: []*ScalarSensorDataDump{
		{Tag: "a", TrialID: "1"},
		{Tag: "b", TrialID: "1"},
		{Tag: "a", TrialID: "2"},
	}}
	dumps := data.DumpsWithTag("a")
	test.That(t, dumps, test.ShouldHaveLength, 2)
	test.That(t, dumps[0].TrialID, test.ShouldEqual, "1")
	test.That(t, dumps[1].TrialID, test.ShouldEqual, "2")
	test.That(t, data.Dump("b", "2"), test.ShouldBeNil)
}
