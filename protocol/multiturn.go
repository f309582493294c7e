package protocol

import "math"

// MultiTurn is an absolute motor position: whole electrical cycles plus
// sub-cycle commutation phase. Commutation is always normalized into
// [0, StepsPerCycle); crossing a cycle boundary carries into Turns.
type MultiTurn struct {
	Commutation uint16 `json:"commutation"`
	Turns       int32  `json:"turns"`
}

// NewMultiTurn builds a normalized position from a possibly fractional,
// possibly out-of-range commutation value.
func NewMultiTurn(turns int32, commutation float64) MultiTurn {
	carry := math.Floor(commutation / StepsPerCycle)
	c := commutation - carry*StepsPerCycle
	// float rounding near a negative epsilon can land exactly on the bound
	if c >= StepsPerCycle {
		c -= StepsPerCycle
		carry++
	}
	return MultiTurn{
		Commutation: uint16(c),
		Turns:       turns + int32(carry),
	}
}

// Add returns the position offset by delta commutation steps, normalized.
func (m MultiTurn) Add(delta float64) MultiTurn {
	return NewMultiTurn(m.Turns, float64(m.Commutation)+delta)
}

// Steps flattens the position to a single step count.
func (m MultiTurn) Steps() float64 {
	return float64(m.Turns)*StepsPerCycle + float64(m.Commutation)
}
