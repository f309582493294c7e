package protocol

import (
	"encoding/binary"
	"errors"
)

// CommandMode is the outbound message discriminant at byte 0.
type CommandMode byte

const (
	ModeMLXDebug         CommandMode = 0
	ModeThreePhase       CommandMode = 1
	ModeCalibration      CommandMode = 2
	ModePush             CommandMode = 3
	ModeServo            CommandMode = 4
	ModeClearFault       CommandMode = 5
	ModeSynchronousDrive CommandMode = 6
	ModeBootloader       CommandMode = 0xFE
)

// MaxCommandLength is the largest encoded command (Servo position).
const MaxCommandLength = 14

const maxPhaseDrive = 1<<11 - 1 // phase drive values are 11-bit

// ErrShortBuffer is returned by EncodeTo when the destination cannot hold
// the largest command.
var ErrShortBuffer = errors.New("encode: buffer shorter than MaxCommandLength")

// Command is one outbound message to the firmware. Each mode is its own
// struct; required numeric fields are pointers so an unset field is
// distinguishable from zero and rejected by name.
type Command interface {
	Mode() CommandMode

	// encode validates every field, then writes the tag and payload into
	// buf and reports the bytes used. Nothing is written before
	// validation passes, so a failed encode never leaves a partial
	// buffer for the transport to pick up.
	encode(buf []byte) (int, error)
}

// Encode renders cmd as a fresh buffer of its exact wire length.
func Encode(cmd Command) ([]byte, error) {
	var buf [MaxCommandLength]byte
	n, err := EncodeTo(buf[:], cmd)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

// EncodeTo renders cmd into buf, which must hold MaxCommandLength bytes,
// and returns the encoded length. Sessions use this to reuse one outbound
// buffer across writes.
func EncodeTo(buf []byte, cmd Command) (int, error) {
	if cmd == nil {
		return 0, &MissingFieldError{Field: "command"}
	}
	if len(buf) < MaxCommandLength {
		return 0, ErrShortBuffer
	}
	return cmd.encode(buf)
}

// ClearFault acknowledges and clears a firmware fault. No payload.
type ClearFault struct{}

func (ClearFault) Mode() CommandMode { return ModeClearFault }

func (ClearFault) encode(buf []byte) (int, error) {
	buf[0] = byte(ModeClearFault)
	return 1, nil
}

// Bootloader reboots the controller into its bootloader. No payload.
type Bootloader struct{}

func (Bootloader) Mode() CommandMode { return ModeBootloader }

func (Bootloader) encode(buf []byte) (int, error) {
	buf[0] = byte(ModeBootloader)
	return 1, nil
}

// MLXDebug forwards an opaque 7-8 byte message to the magnetic sensor.
// When GenerateCRC is set the firmware computes the trailing CRC byte
// itself, so a 7-byte message is allowed.
type MLXDebug struct {
	Message     []byte
	GenerateCRC bool
}

func (MLXDebug) Mode() CommandMode { return ModeMLXDebug }

func (c MLXDebug) encode(buf []byte) (int, error) {
	if c.Message == nil {
		return 0, &MissingFieldError{Field: "message"}
	}
	if err := checkRange("message", int64(len(c.Message)), 7, 8); err != nil {
		return 0, err
	}
	buf[0] = byte(ModeMLXDebug)
	for i := 1; i < 9; i++ {
		buf[i] = 0
	}
	copy(buf[1:9], c.Message)
	if c.GenerateCRC {
		buf[9] = 1
	} else {
		buf[9] = 0
	}
	return 10, nil
}

// ThreePhase drives the three phases directly with 11-bit values.
type ThreePhase struct {
	A, B, C *uint16
}

func (ThreePhase) Mode() CommandMode { return ModeThreePhase }

func (c ThreePhase) encode(buf []byte) (int, error) {
	phases := []struct {
		name string
		v    *uint16
	}{{"A", c.A}, {"B", c.B}, {"C", c.C}}
	for _, p := range phases {
		if p.v == nil {
			return 0, &MissingFieldError{Field: p.name}
		}
		if err := checkRange(p.name, int64(*p.v), 0, maxPhaseDrive); err != nil {
			return 0, err
		}
	}
	buf[0] = byte(ModeThreePhase)
	binary.LittleEndian.PutUint16(buf[1:3], *c.A)
	binary.LittleEndian.PutUint16(buf[3:5], *c.B)
	binary.LittleEndian.PutUint16(buf[5:7], *c.C)
	return 7, nil
}

// Calibration steps the motor to a fixed electrical angle at a fixed
// amplitude.
type Calibration struct {
	Angle     *uint16 // [0, StepsPerCycle)
	Amplitude *uint8
}

func (Calibration) Mode() CommandMode { return ModeCalibration }

func (c Calibration) encode(buf []byte) (int, error) {
	if c.Angle == nil {
		return 0, &MissingFieldError{Field: "angle"}
	}
	if c.Amplitude == nil {
		return 0, &MissingFieldError{Field: "amplitude"}
	}
	if err := checkRange("angle", int64(*c.Angle), 0, StepsPerCycle-1); err != nil {
		return 0, err
	}
	buf[0] = byte(ModeCalibration)
	binary.LittleEndian.PutUint16(buf[1:3], *c.Angle)
	buf[3] = *c.Amplitude
	return 4, nil
}

// Push commands a signed open-loop push.
type Push struct {
	Command *int16
}

func (Push) Mode() CommandMode { return ModePush }

func (c Push) encode(buf []byte) (int, error) {
	if c.Command == nil {
		return 0, &MissingFieldError{Field: "command"}
	}
	buf[0] = byte(ModePush)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(*c.Command))
	return 3, nil
}

// ServoMode is the Servo sub-mode discriminant at byte 1.
type ServoMode byte

const (
	ServoDisabled  ServoMode = 0
	ServoAmplitude ServoMode = 1
	ServoVelocity  ServoMode = 2
	ServoPosition  ServoMode = 3
)

// ServoPositionTarget is the position sub-mode payload: target position
// plus the three controller gain constants, transmitted opaquely.
type ServoPositionTarget struct {
	Position   MultiTurn
	KP, KI, KD uint16
}

// Servo switches the closed-loop servo controller. The payload depends on
// ServoMode: Disabled and Velocity carry none, Amplitude one clamped
// scalar, Position a ServoPositionTarget.
type Servo struct {
	ServoMode ServoMode
	Amplitude *int16 // clamped to [-255, 255]
	Position  *ServoPositionTarget
}

func (Servo) Mode() CommandMode { return ModeServo }

func (c Servo) encode(buf []byte) (int, error) {
	switch c.ServoMode {
	case ServoDisabled, ServoVelocity:
		buf[0] = byte(ModeServo)
		buf[1] = byte(c.ServoMode)
		return 2, nil

	case ServoAmplitude:
		if c.Amplitude == nil {
			return 0, &MissingFieldError{Field: "amplitude"}
		}
		v := clamp(int64(*c.Amplitude), -255, 255)
		buf[0] = byte(ModeServo)
		buf[1] = byte(ServoAmplitude)
		binary.LittleEndian.PutUint16(buf[2:4], uint16(int16(v)))
		return 4, nil

	case ServoPosition:
		if c.Position == nil {
			return 0, &MissingFieldError{Field: "position"}
		}
		p := c.Position
		if err := checkRange("commutation", int64(p.Position.Commutation), 0, StepsPerCycle-1); err != nil {
			return 0, err
		}
		buf[0] = byte(ModeServo)
		buf[1] = byte(ServoPosition)
		binary.LittleEndian.PutUint16(buf[2:4], p.Position.Commutation)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Position.Turns))
		binary.LittleEndian.PutUint16(buf[8:10], p.KP)
		binary.LittleEndian.PutUint16(buf[10:12], p.KI)
		binary.LittleEndian.PutUint16(buf[12:14], p.KD)
		return 14, nil
	}
	return 0, &RangeError{Field: "servoMode", Value: int64(c.ServoMode), Min: 0, Max: int64(ServoPosition)}
}

// SynchronousDrive spins the motor open loop at a fixed amplitude and
// velocity. Amplitude saturates at the signed byte range.
type SynchronousDrive struct {
	Amplitude *int16 // clamped to [-127, 127]
	Velocity  *int32
}

func (SynchronousDrive) Mode() CommandMode { return ModeSynchronousDrive }

func (c SynchronousDrive) encode(buf []byte) (int, error) {
	if c.Amplitude == nil {
		return 0, &MissingFieldError{Field: "amplitude"}
	}
	if c.Velocity == nil {
		return 0, &MissingFieldError{Field: "velocity"}
	}
	buf[0] = byte(ModeSynchronousDrive)
	buf[1] = byte(int8(clamp(int64(*c.Amplitude), -127, 127)))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(*c.Velocity))
	return 6, nil
}
