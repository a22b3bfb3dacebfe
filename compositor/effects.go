package compositor

import (
	"sync"

	"github.com/bigmistqke/eddy/timeline"
)

// Effect parameter neutral points. Scalar video effects are normalized to
// [0,1] with 0.5 neutral, except opacity where 1 is neutral.
const (
	neutralAmount  = 0.5
	neutralOpacity = 1.0
)

// effectChain is a compiled effect chain, cached by the placement's
// EffectID. The control array is addressed by the placement's precomputed
// chain indexes; SetEffectValue and placement refs both write into it.
type effectChain struct {
	mu       sync.Mutex
	names    []string
	controls []map[string]float64
}

// compileChain builds the control array for a chain signature.
func compileChain(keys []timeline.ChainEffect) *effectChain {
	ec := &effectChain{
		names:    make([]string, len(keys)),
		controls: make([]map[string]float64, len(keys)),
	}
	for i, k := range keys {
		ec.names[i] = k.Name
		ec.controls[i] = make(map[string]float64)
	}
	return ec
}

// set writes one control value. Out-of-range chain indexes are ignored;
// they can only come from a timeline older than the chain cache entry.
func (ec *effectChain) set(chainIndex int, paramKey string, value float64) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if chainIndex < 0 || chainIndex >= len(ec.controls) {
		return
	}
	ec.controls[chainIndex][paramKey] = value
}

// pixelOp transforms one RGB triple; alpha is handled by opacity alone.
type pixelOp struct {
	apply   func(r, g, b float64, amount float64) (float64, float64, float64)
	amount  float64
	opacity float64
}

// ops snapshots the chain into per-pixel operations plus the combined
// opacity for the draw.
func (ec *effectChain) ops() ([]pixelOp, float64) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	opacity := neutralOpacity
	var out []pixelOp
	for i, name := range ec.names {
		amount := ctrl(ec.controls[i], "amount", neutralAmount)
		switch name {
		case "brightness":
			out = append(out, pixelOp{apply: brightnessOp, amount: amount})
		case "contrast":
			out = append(out, pixelOp{apply: contrastOp, amount: amount})
		case "saturation":
			out = append(out, pixelOp{apply: saturationOp, amount: amount})
		case "opacity":
			opacity *= ctrl(ec.controls[i], "amount", neutralOpacity)
		default:
			// Unknown effects pass pixels through unchanged.
		}
	}
	return out, opacity
}

func ctrl(m map[string]float64, key string, fallback float64) float64 {
	if v, ok := m[key]; ok {
		return v
	}
	return fallback
}

// brightnessOp scales toward black or white; 0.5 is identity.
func brightnessOp(r, g, b, amount float64) (float64, float64, float64) {
	f := amount * 2
	return r * f, g * f, b * f
}

// contrastOp stretches around mid-gray; 0.5 is identity.
func contrastOp(r, g, b, amount float64) (float64, float64, float64) {
	f := amount * 2
	return (r-128)*f + 128, (g-128)*f + 128, (b-128)*f + 128
}

// saturationOp blends toward the luma; 0.5 is identity, 0 grayscale.
func saturationOp(r, g, b, amount float64) (float64, float64, float64) {
	f := amount * 2
	luma := 0.299*r + 0.587*g + 0.114*b
	return luma + (r-luma)*f, luma + (g-luma)*f, luma + (b-luma)*f
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
