package protocol

import (
	"encoding/binary"

	"github.com/cinderblock/smooth-control/mlx"
)

// CommonData holds the analog housekeeping fields present in every
// report, at a fixed trailing offset regardless of state.
type CommonData struct {
	CPUTemp  uint16 `json:"cpuTemp"`
	Current  int16  `json:"current"`
	VDD      uint16 `json:"vdd"`
	VBattery uint16 `json:"vBattery"`
	PhaseA   uint16 `json:"phaseA"`
	PhaseB   uint16 `json:"phaseB"`
	PhaseC   uint16 `json:"phaseC"`
}

// FaultData is the Fault-state payload.
type FaultData struct {
	Fault FaultCode `json:"fault"`
}

// ManualData is the Manual-state payload: raw open-loop drive values plus
// the most recent sensor exchange.
type ManualData struct {
	DrivePosition uint16 `json:"drivePosition"`
	RealPosition  uint16 `json:"realPosition"`
	Velocity      int32  `json:"velocity"`
	Amplitude     uint8  `json:"amplitude"`

	MLXState uint8   `json:"mlxState"`
	MLXRaw   [8]byte `json:"mlxRaw"`
	// MLXResponse is filled when MLXState indicates a received frame and
	// the frame parses; a malformed frame degrades to MLXParseError
	// instead of failing the report decode.
	MLXResponse   *mlx.Response `json:"mlxResponse,omitempty"`
	MLXParseError string        `json:"mlxParseError,omitempty"`
}

// NormalData is the Normal-state payload: closed-loop servo telemetry.
type NormalData struct {
	Position       MultiTurn `json:"position"`
	Velocity       int16     `json:"velocity"`
	Amplitude      int16     `json:"amplitude"` // sign byte + magnitude byte on the wire
	Calibrated     bool      `json:"calibrated"`
	ControlLoops   uint16    `json:"controlLoops"`
	MLXCRCFailures uint16    `json:"mlxCrcFailures"`
}

// ReadData is one decoded inbound report. Exactly one of Fault, Manual,
// Normal is non-nil, selected by State.
type ReadData struct {
	State  State       `json:"state"`
	Fault  *FaultData  `json:"fault,omitempty"`
	Manual *ManualData `json:"manual,omitempty"`
	Normal *NormalData `json:"normal,omitempty"`
	Common CommonData  `json:"common"`
}

// Clone deep-copies the report, for subscribers that retain it beyond a
// data-handler call (the session reuses its ReadData between reports).
func (rd *ReadData) Clone() *ReadData {
	c := *rd
	if rd.Fault != nil {
		f := *rd.Fault
		c.Fault = &f
	}
	if rd.Manual != nil {
		m := *rd.Manual
		if m.MLXResponse != nil {
			r := *m.MLXResponse
			m.MLXResponse = &r
		}
		c.Manual = &m
	}
	if rd.Normal != nil {
		n := *rd.Normal
		c.Normal = &n
	}
	return &c
}

// Decode parses one report into a freshly allocated ReadData.
func Decode(buf []byte) (*ReadData, error) {
	rd := new(ReadData)
	if err := DecodeTo(buf, rd); err != nil {
		return nil, err
	}
	return rd, nil
}

// DecodeTo parses one report into rd, reusing its variant records when
// they are already allocated. On error rd is left untouched except that a
// previously decoded variant may have been detached; it is never
// partially filled from buf.
func DecodeTo(buf []byte, rd *ReadData) error {
	if len(buf) != ReportLength {
		return badLength(buf)
	}

	state := State(buf[0])
	fault, manual, normal := rd.Fault, rd.Manual, rd.Normal
	rd.Fault, rd.Manual, rd.Normal = nil, nil, nil

	switch state {
	case StateFault:
		if fault == nil {
			fault = new(FaultData)
		}
		fault.Fault = FaultCode(buf[1])
		rd.Fault = fault

	case StateManual:
		if manual == nil {
			manual = new(ManualData)
		}
		*manual = ManualData{
			DrivePosition: binary.LittleEndian.Uint16(buf[1:3]),
			RealPosition:  binary.LittleEndian.Uint16(buf[3:5]),
			Velocity:      int32(binary.LittleEndian.Uint32(buf[5:9])),
			Amplitude:     buf[9],
			MLXState:      buf[10],
		}
		copy(manual.MLXRaw[:], buf[11:19])
		if manual.MLXState >= MLXReceived {
			resp, err := mlx.Parse(manual.MLXRaw[:])
			if err != nil {
				manual.MLXParseError = err.Error()
			} else {
				manual.MLXResponse = resp
			}
		}
		rd.Manual = manual

	case StateNormal:
		if normal == nil {
			normal = new(NormalData)
		}
		amplitude := int16(buf[10])
		if buf[9] == 0 {
			amplitude = -amplitude
		}
		*normal = NormalData{
			Position: MultiTurn{
				Commutation: binary.LittleEndian.Uint16(buf[1:3]),
				Turns:       int32(binary.LittleEndian.Uint32(buf[3:7])),
			},
			Velocity:       int16(binary.LittleEndian.Uint16(buf[7:9])),
			Amplitude:      amplitude,
			Calibrated:     buf[11] != 0,
			ControlLoops:   binary.LittleEndian.Uint16(buf[12:14]),
			MLXCRCFailures: binary.LittleEndian.Uint16(buf[14:16]),
		}
		rd.Normal = normal

	default:
		return &DecodeError{Buf: buf, Reason: "unknown state tag"}
	}

	rd.State = state
	rd.Common = CommonData{
		CPUTemp:  binary.LittleEndian.Uint16(buf[commonOffset : commonOffset+2]),
		Current:  int16(binary.LittleEndian.Uint16(buf[commonOffset+2 : commonOffset+4])),
		VDD:      binary.LittleEndian.Uint16(buf[commonOffset+4 : commonOffset+6]),
		VBattery: binary.LittleEndian.Uint16(buf[commonOffset+6 : commonOffset+8]),
		PhaseA:   binary.LittleEndian.Uint16(buf[commonOffset+8 : commonOffset+10]),
		PhaseB:   binary.LittleEndian.Uint16(buf[commonOffset+10 : commonOffset+12]),
		PhaseC:   binary.LittleEndian.Uint16(buf[commonOffset+12 : commonOffset+14]),
	}
	return nil
}
