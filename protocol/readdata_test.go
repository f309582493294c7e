package protocol

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/cinderblock/smooth-control/mlx"
)

// report builds a zeroed full-length buffer with the given state tag.
func report(state State) []byte {
	buf := make([]byte, ReportLength)
	buf[0] = byte(state)
	return buf
}

func putCommon(buf []byte, c CommonData) {
	binary.LittleEndian.PutUint16(buf[23:25], c.CPUTemp)
	binary.LittleEndian.PutUint16(buf[25:27], uint16(c.Current))
	binary.LittleEndian.PutUint16(buf[27:29], c.VDD)
	binary.LittleEndian.PutUint16(buf[29:31], c.VBattery)
	binary.LittleEndian.PutUint16(buf[31:33], c.PhaseA)
	binary.LittleEndian.PutUint16(buf[33:35], c.PhaseB)
	binary.LittleEndian.PutUint16(buf[35:37], c.PhaseC)
}

func TestDecodeNormal(t *testing.T) {
	buf := report(StateNormal)
	binary.LittleEndian.PutUint16(buf[1:3], 100) // commutation
	turns := int32(-2)
	velocity := int16(-50)
	binary.LittleEndian.PutUint32(buf[3:7], uint32(turns))    // turns
	binary.LittleEndian.PutUint16(buf[7:9], uint16(velocity)) // velocity
	buf[9] = 1                                                // amplitude sign, positive
	buf[10] = 10                                              // amplitude magnitude
	buf[11] = 0                                               // not calibrated
	binary.LittleEndian.PutUint16(buf[12:14], 5)              // control loops
	binary.LittleEndian.PutUint16(buf[14:16], 0)              // crc failures
	putCommon(buf, CommonData{CPUTemp: 712, Current: -40, VDD: 3300, VBattery: 11800})

	rd, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if rd.State != StateNormal {
		t.Fatalf("state = %v", rd.State)
	}
	if rd.Fault != nil || rd.Manual != nil {
		t.Fatal("non-Normal variant populated")
	}
	n := rd.Normal
	if n.Position.Commutation != 100 || n.Position.Turns != -2 {
		t.Errorf("position = %+v", n.Position)
	}
	if n.Velocity != -50 {
		t.Errorf("velocity = %d", n.Velocity)
	}
	if n.Amplitude != 10 {
		t.Errorf("amplitude = %d", n.Amplitude)
	}
	if n.Calibrated {
		t.Error("calibrated should be false")
	}
	if n.ControlLoops != 5 || n.MLXCRCFailures != 0 {
		t.Errorf("counters = %d %d", n.ControlLoops, n.MLXCRCFailures)
	}
	if rd.Common.CPUTemp != 712 || rd.Common.Current != -40 {
		t.Errorf("common = %+v", rd.Common)
	}
}

func TestDecodeNormalNegativeAmplitude(t *testing.T) {
	buf := report(StateNormal)
	buf[9] = 0
	buf[10] = 10
	rd, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if rd.Normal.Amplitude != -10 {
		t.Errorf("amplitude = %d, want -10", rd.Normal.Amplitude)
	}
}

func TestDecodeFault(t *testing.T) {
	buf := report(StateFault)
	buf[1] = byte(FaultOverCurrent)
	putCommon(buf, CommonData{VDD: 3300})

	rd, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if rd.State != StateFault {
		t.Fatalf("state = %v", rd.State)
	}
	if rd.Fault == nil || rd.Fault.Fault != FaultOverCurrent {
		t.Errorf("fault = %+v", rd.Fault)
	}
	if rd.Common.VDD != 3300 {
		t.Errorf("vdd = %d", rd.Common.VDD)
	}
}

func TestDecodeManualWithSensorFrame(t *testing.T) {
	buf := report(StateManual)
	binary.LittleEndian.PutUint16(buf[1:3], 300)               // drive position
	binary.LittleEndian.PutUint16(buf[3:5], 290)               // real position
	binary.LittleEndian.PutUint32(buf[5:9], uint32(int32(12))) // velocity
	buf[9] = 42                                                // amplitude
	buf[10] = 3                                                // sensor frame received

	// alpha frame, angle 1234, counter 5
	frame := buf[11:19]
	binary.LittleEndian.PutUint16(frame[0:2], 1234)
	frame[6] = 5 // alpha marker, counter 5
	frame[7] = mlx.CRC(frame)

	rd, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	m := rd.Manual
	if m == nil {
		t.Fatal("manual not populated")
	}
	if m.DrivePosition != 300 || m.RealPosition != 290 || m.Velocity != 12 || m.Amplitude != 42 {
		t.Errorf("manual = %+v", m)
	}
	if m.MLXParseError != "" {
		t.Fatalf("parse error: %s", m.MLXParseError)
	}
	if m.MLXResponse == nil {
		t.Fatal("sensor response missing")
	}
	if m.MLXResponse.Alpha != 1234 || m.MLXResponse.Counter != 5 {
		t.Errorf("response = %+v", m.MLXResponse)
	}
}

func TestDecodeManualBadSensorCRC(t *testing.T) {
	buf := report(StateManual)
	buf[10] = 3
	buf[18] = 0xFF // wrong crc for a zero frame

	rd, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if rd.Manual.MLXResponse != nil {
		t.Error("response should be nil on bad crc")
	}
	if rd.Manual.MLXParseError == "" {
		t.Error("parse error should be recorded")
	}
}

func TestDecodeManualIdleSensorSkipsParse(t *testing.T) {
	buf := report(StateManual)
	buf[10] = 0
	buf[18] = 0xFF // garbage frame must not be touched

	rd, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if rd.Manual.MLXResponse != nil || rd.Manual.MLXParseError != "" {
		t.Errorf("manual = %+v", rd.Manual)
	}
}

func TestDecodeWrongLength(t *testing.T) {
	for _, n := range []int{0, 1, 33, ReportLength - 1, ReportLength + 1} {
		_, err := Decode(make([]byte, n))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("len %d: err = %v, want DecodeError", n, err)
		}
	}
}

func TestDecodeUnknownState(t *testing.T) {
	buf := report(State(7))
	rd := &ReadData{}
	err := DecodeTo(buf, rd)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DecodeError", err)
	}
}

func TestDecodeToReusesVariant(t *testing.T) {
	rd := &ReadData{}
	buf := report(StateNormal)
	if err := DecodeTo(buf, rd); err != nil {
		t.Fatal(err)
	}
	first := rd.Normal
	if err := DecodeTo(buf, rd); err != nil {
		t.Fatal(err)
	}
	if rd.Normal != first {
		t.Error("Normal variant should be reused across decodes")
	}

	// switching state detaches the old variant
	if err := DecodeTo(report(StateFault), rd); err != nil {
		t.Fatal(err)
	}
	if rd.Normal != nil || rd.Fault == nil {
		t.Errorf("variants = %+v", rd)
	}
}

func TestCloneIsDeep(t *testing.T) {
	buf := report(StateNormal)
	binary.LittleEndian.PutUint16(buf[1:3], 50)
	rd, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	c := rd.Clone()
	rd.Normal.Position.Commutation = 99
	if c.Normal.Position.Commutation != 50 {
		t.Errorf("clone mutated: %d", c.Normal.Position.Commutation)
	}
}
