package dataset

// Op is a mask comparison operator.
type Op string

const (
	// OpLessThan keeps values strictly below the threshold.
	OpLessThan Op = "lt"
	// OpNotEqual keeps values different from the threshold.
	OpNotEqual Op = "neq"
)

// MaskRule replaces values failing the comparison with the missing marker.
type MaskRule struct {
	Op        Op
	Threshold float64
}

// Keep reports whether a value passes the rule.
func (r MaskRule) Keep(v float64) bool {
	switch r.Op {
	case OpLessThan:
		return v < r.Threshold
	case OpNotEqual:
		return v != r.Threshold
	}
	return true
}

// ApplyMask returns a copy of the array with values failing the rule replaced
// by the missing marker. Attributes and encoding survive the operation. A nil
// rule is the identity.
func ApplyMask(a *Array, rule *MaskRule) *Array {
	out := a.Copy()
	if rule == nil {
		return out
	}
	for i, v := range out.Values {
		if IsMissing(v) {
			continue
		}
		if !rule.Keep(v) {
			out.Values[i] = Missing()
		}
	}
	return out
}

// LayoutEncodingKeys are the encoding entries that describe the raw file's
// on-disk layout. They are stripped before writing to a new store so the
// output is not constrained by the source encoding.
var LayoutEncodingKeys = []string{
	"chunksizes",
	"fletcher32",
	"shuffle",
	"zlib",
	"complevel",
	"dtype",
	"_Unsigned",
	"missing_value",
	"_FillValue",
	"scale_factor",
	"add_offset",
}

// StripEncoding removes the on-disk layout keys from an array's encoding.
// It is idempotent.
func StripEncoding(a *Array) {
	for _, k := range LayoutEncodingKeys {
		delete(a.Encoding, k)
	}
}
