package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Non-finite float spellings on the wire.
const (
	floatNaN    = "NaN"
	floatInf    = "INF"
	floatNegInf = "-INF"
)

// Float is a float64 that survives JSON with non-finite values: NaN, +Inf
// and -Inf are written as the strings "NaN", "INF" and "-INF".
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"` + floatNaN + `"`), nil
	case math.IsInf(v, 1):
		return []byte(`"` + floatInf + `"`), nil
	case math.IsInf(v, -1):
		return []byte(`"` + floatNegInf + `"`), nil
	}
	return []byte(strconv.FormatFloat(v, 'g', -1, 64)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case floatNaN:
			*f = Float(math.NaN())
		case floatInf:
			*f = Float(math.Inf(1))
		case floatNegInf:
			*f = Float(math.Inf(-1))
		default:
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid float %q", s)
			}
			*f = Float(v)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}
