package billing

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FIGURE - A derived number that may be absent or not comparable
// =============================================================================

// Figure distinguishes three outcomes of a derived calculation:
//
//	present      - a value was computed
//	incomparable - inputs exist but cannot be compared (e.g. zero units)
//	absent       - the figure does not apply to this row
//
// The zero Figure is absent.
type Figure struct {
	value decimal.Decimal
	state figureState
}

type figureState uint8

const (
	figureAbsent figureState = iota
	figureIncomparable
	figurePresent
)

func Value(d decimal.Decimal) Figure { return Figure{value: d, state: figurePresent} }
func Incomparable() Figure          { return Figure{state: figureIncomparable} }
func Absent() Figure                { return Figure{} }

func (f Figure) IsPresent() bool      { return f.state == figurePresent }
func (f Figure) IsIncomparable() bool { return f.state == figureIncomparable }
func (f Figure) IsAbsent() bool       { return f.state == figureAbsent }

// Decimal returns the value and whether one is present.
func (f Figure) Decimal() (decimal.Decimal, bool) {
	return f.value, f.state == figurePresent
}

// Float64Ptr is the JSON-friendly form: nil unless present.
func (f Figure) Float64Ptr() *float64 {
	if f.state != figurePresent {
		return nil
	}
	v := f.value.InexactFloat64()
	return &v
}

// State names the figure's state for API consumers.
func (f Figure) State() string {
	switch f.state {
	case figurePresent:
		return "value"
	case figureIncomparable:
		return "incomparable"
	default:
		return "absent"
	}
}

func (f Figure) String() string {
	if f.state == figurePresent {
		return f.value.String()
	}
	return f.State()
}

func (f Figure) MarshalJSON() ([]byte, error) {
	if f.state != figurePresent {
		return []byte("null"), nil
	}
	return json.Marshal(f.value.InexactFloat64())
}
