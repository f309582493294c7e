// Package protocol implements the fixed-size binary report format spoken
// by the smooth-control motor firmware: decoding of inbound status reports
// into a state-tagged ReadData and encoding of outbound Commands. It is
// pure byte twiddling; device I/O lives in the core and usb packages.
package protocol

// ReportLength is the exact size of one inbound status report. The
// firmware reserves bytes 1..22 for the state-specific prefix so that the
// common fields always start at the same offset.
const (
	ReportLength   = 37
	maxStatePrefix = 22
	commonOffset   = 1 + maxStatePrefix
)

// Position units. One electrical cycle is subdivided into StepsPerCycle
// commutation steps; the motor has CyclesPerRevolution electrical cycles
// per mechanical revolution.
const (
	StepsPerCycle       = 3 * 256
	CyclesPerRevolution = 15
)

// State is the report discriminant at byte 0.
type State byte

const (
	StateFault  State = 0
	StateManual State = 1
	StateNormal State = 2
)

func (s State) String() string {
	switch s {
	case StateFault:
		return "fault"
	case StateManual:
		return "manual"
	case StateNormal:
		return "normal"
	}
	return "unknown"
}

// FaultCode enumerates the causes the firmware reports in Fault state.
type FaultCode byte

const (
	FaultInit                FaultCode = 0
	FaultUndervoltageLockout FaultCode = 1
	FaultOverCurrent         FaultCode = 2
	FaultOverTemperature     FaultCode = 3
	FaultWatchdogReset       FaultCode = 4
	FaultBrownOutReset       FaultCode = 5
	FaultInvalidCommand      FaultCode = 6
)

func (f FaultCode) String() string {
	switch f {
	case FaultInit:
		return "init"
	case FaultUndervoltageLockout:
		return "undervoltage lockout"
	case FaultOverCurrent:
		return "overcurrent"
	case FaultOverTemperature:
		return "overtemperature"
	case FaultWatchdogReset:
		return "watchdog reset"
	case FaultBrownOutReset:
		return "brownout reset"
	case FaultInvalidCommand:
		return "invalid command"
	}
	return "unknown"
}

// Sensor exchange progress reported in Manual state. Frames at
// MLXReceived or beyond carry a complete sensor response.
const (
	MLXIdle     uint8 = 0
	MLXSending  uint8 = 1
	MLXSent     uint8 = 2
	MLXReceived uint8 = 3
	MLXFailed   uint8 = 4
)

// Pointer helpers for filling required command fields inline.

func U8(v uint8) *uint8    { return &v }
func U16(v uint16) *uint16 { return &v }
func I16(v int16) *int16   { return &v }
func I32(v int32) *int32   { return &v }
