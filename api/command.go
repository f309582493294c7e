package api

import (
	"encoding/hex"
	"fmt"

	"github.com/cinderblock/smooth-control/protocol"
)

// CommandRequest is the JSON form of an outbound report. Mode selects
// the command; the remaining fields are interpreted per mode, and a
// field required by the selected mode but absent from the JSON
// surfaces as a protocol validation error.
type CommandRequest struct {
	Mode string `json:"mode"`

	// threePhase
	A *uint16 `json:"a,omitempty"`
	B *uint16 `json:"b,omitempty"`
	C *uint16 `json:"c,omitempty"`

	// calibration
	Angle *uint16 `json:"angle,omitempty"`

	// calibration, servo and synchronousDrive drive strength
	Amplitude *int16 `json:"amplitude,omitempty"`

	// push
	Command *int16 `json:"command,omitempty"`

	// servo
	ServoMode string        `json:"servoMode,omitempty"`
	Position  *PositionArgs `json:"position,omitempty"`
	KP        *uint16       `json:"kp,omitempty"`
	KI        *uint16       `json:"ki,omitempty"`
	KD        *uint16       `json:"kd,omitempty"`

	// synchronousDrive
	Velocity *int32 `json:"velocity,omitempty"`

	// mlxDebug
	Message     string `json:"message,omitempty"` // hex encoded
	GenerateCRC bool   `json:"generateCRC,omitempty"`
}

type PositionArgs struct {
	Turns       int32   `json:"turns"`
	Commutation float64 `json:"commutation"`
}

// Build converts the request into a wire command. Validation beyond
// mode dispatch is left to the command encoders.
func (r *CommandRequest) Build() (protocol.Command, error) {
	switch r.Mode {
	case "clearFault":
		return &protocol.ClearFault{}, nil

	case "bootloader":
		return &protocol.Bootloader{}, nil

	case "threePhase":
		return &protocol.ThreePhase{A: r.A, B: r.B, C: r.C}, nil

	case "calibration":
		cmd := &protocol.Calibration{Angle: r.Angle}
		if r.Amplitude != nil {
			v := *r.Amplitude
			if v < 0 || v > 255 {
				return nil, &protocol.RangeError{Field: "amplitude", Value: int64(v), Min: 0, Max: 255}
			}
			amp := uint8(v)
			cmd.Amplitude = &amp
		}
		return cmd, nil

	case "push":
		return &protocol.Push{Command: r.Command}, nil

	case "servo":
		mode, err := servoMode(r.ServoMode)
		if err != nil {
			return nil, err
		}
		cmd := &protocol.Servo{ServoMode: mode, Amplitude: r.Amplitude}
		if r.Position != nil {
			target := &protocol.ServoPositionTarget{
				Position: protocol.NewMultiTurn(r.Position.Turns, r.Position.Commutation),
			}
			if r.KP != nil {
				target.KP = *r.KP
			}
			if r.KI != nil {
				target.KI = *r.KI
			}
			if r.KD != nil {
				target.KD = *r.KD
			}
			cmd.Position = target
		}
		return cmd, nil

	case "synchronousDrive":
		return &protocol.SynchronousDrive{Amplitude: r.Amplitude, Velocity: r.Velocity}, nil

	case "mlxDebug":
		msg, err := hex.DecodeString(r.Message)
		if err != nil {
			return nil, fmt.Errorf("mlx message: %w", err)
		}
		return &protocol.MLXDebug{Message: msg, GenerateCRC: r.GenerateCRC}, nil

	case "":
		return nil, &protocol.MissingFieldError{Field: "mode"}

	default:
		return nil, fmt.Errorf("unknown command mode %q", r.Mode)
	}
}

func servoMode(s string) (protocol.ServoMode, error) {
	switch s {
	case "disabled":
		return protocol.ServoDisabled, nil
	case "amplitude":
		return protocol.ServoAmplitude, nil
	case "velocity":
		return protocol.ServoVelocity, nil
	case "position":
		return protocol.ServoPosition, nil
	case "":
		return 0, &protocol.MissingFieldError{Field: "servoMode"}
	default:
		return 0, fmt.Errorf("unknown servo mode %q", s)
	}
}
