package network

import (
	crand "crypto/rand"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

func init() {
	register(TypeDropout, func() readable { return newDropout("", 0, 0, entropySource()) })
}

// DropoutLayer zeroes a random fraction of its input during training and
// scales the survivors by 1/(1-rate), keeping the expected activation equal
// to the input. Output width equals input width.
//
// The mask for a step lives in the DropoutPass returned by Forward. The
// generator is guarded by a mutex, so one layer may run concurrent passes.
type DropoutLayer struct {
	base
	rate float32

	mu  sync.Mutex
	rng *rand.Rand
}

// DropoutPass is the forward context of a DropoutLayer. Mask is nil when the
// layer ran with rate 0.
type DropoutPass struct {
	layer    *DropoutLayer
	mask     *IO
	width    int
	features int
}

func (p *DropoutPass) Layer() Layer { return p.layer }

// Mask returns the 0/1 mask drawn by Forward, or nil for a pass-through step.
func (p *DropoutPass) Mask() *IO { return p.mask }

type dropoutOptions struct {
	seed   uint64
	seeded bool
}

// DropoutOption configures NewDropoutLayer.
type DropoutOption func(*dropoutOptions)

// WithSeed makes mask generation deterministic. Without it the generator is
// seeded from system entropy.
func WithSeed(seed uint64) DropoutOption {
	return func(o *dropoutOptions) {
		o.seed = seed
		o.seeded = true
	}
}

// NewDropoutLayer creates a dropout layer over ni features. rate must be in
// [0, 1); 0 makes the layer a pass-through.
func NewDropoutLayer(name string, ni int, rate float32, opts ...DropoutOption) (*DropoutLayer, error) {
	if ni <= 0 {
		return nil, fmt.Errorf("%w: dropout width %d", ErrInvalidConfig, ni)
	}
	if err := validateRate(rate); err != nil {
		return nil, err
	}
	var o dropoutOptions
	for _, opt := range opts {
		opt(&o)
	}
	src := entropySource()
	if o.seeded {
		src = rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15)
	}
	return newDropout(name, ni, rate, src), nil
}

func newDropout(name string, ni int, rate float32, src rand.Source) *DropoutLayer {
	return &DropoutLayer{
		base: newBase(TypeDropout, name, ni, ni),
		rate: rate,
		rng:  rand.New(src),
	}
}

func validateRate(rate float32) error {
	if math.IsNaN(float64(rate)) || rate < 0 || rate >= 1 {
		return fmt.Errorf("%w: dropout rate %v outside [0, 1)", ErrInvalidConfig, rate)
	}
	return nil
}

func entropySource() rand.Source {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// crypto/rand only fails when the OS has no entropy source at all.
		panic(fmt.Sprintf("dropout: reading entropy: %v", err))
	}
	return rand.NewChaCha8(seed)
}

// Rate returns the configured dropout rate.
func (l *DropoutLayer) Rate() float32 { return l.rate }

// Spec returns "Dr" followed by the shortest decimal form of the rate that
// parses back to the same float32.
func (l *DropoutLayer) Spec() string {
	return "Dr" + strconv.FormatFloat(float64(l.rate), 'g', -1, 32)
}

func (l *DropoutLayer) DebugDescribe() string {
	return fmt.Sprintf("Dropout layer with rate %f", l.rate)
}

// GenerateMask draws a mask shaped like input: each position is kept (1)
// when a uniform draw in [0, 1) is at least the rate, dropped (0) otherwise.
func (l *DropoutLayer) GenerateMask(input *IO) *IO {
	mask := &IO{}
	mask.Resize(input, input.NumFeatures())
	data := mask.Tensor().Data()

	l.mu.Lock()
	for i := range data {
		if l.rng.Float32() >= l.rate {
			data[i] = 1
		}
	}
	l.mu.Unlock()
	return mask
}

func (l *DropoutLayer) Forward(debug bool, in *IO, _ *TransposedArray, _ *Scratch, out *IO) (Pass, error) {
	if in == nil || out == nil || in.Tensor() == nil {
		return nil, ErrNilTensor
	}
	if in.NumFeatures() != l.ni {
		return nil, fmt.Errorf("%w: dropout %q expects %d features, got %d", ErrShapeMismatch, l.name, l.ni, in.NumFeatures())
	}
	start := time.Now()

	out.Resize(in, in.NumFeatures())
	pass := &DropoutPass{layer: l, width: in.Width(), features: in.NumFeatures()}
	if l.rate > 0 {
		pass.mask = l.GenerateMask(in)
		l.applyForward(in, pass.mask, out)
	} else {
		out.CopyAll(in)
	}

	l.observe("forward", start, in, pass)
	if debug {
		log.Debug().
			Str("layer", l.name).
			Int("width", in.Width()).
			Int("features", in.NumFeatures()).
			Float64("dropped_fraction", pass.droppedFraction()).
			Msg("Dropout forward")
	}
	return pass, nil
}

// applyForward writes in*mask scaled by 1/(1-rate) into out.
func (l *DropoutLayer) applyForward(in, mask, out *IO) {
	out.CopyAll(in)
	out.Tensor().ApplyMask(mask.Tensor())
	out.Tensor().Scale(1 / (1 - l.rate))
}

// Backward masks gradIn with the pass mask. The gradient is not rescaled by
// 1/(1-rate); only the forward activations are.
func (l *DropoutLayer) Backward(debug bool, p Pass, gradIn *IO, _ *Scratch, gradOut *IO) error {
	pass, ok := p.(*DropoutPass)
	if !ok || pass == nil || pass.layer != l {
		return ErrNoForwardPass
	}
	if gradIn == nil || gradOut == nil || gradIn.Tensor() == nil {
		return ErrNilTensor
	}
	if gradIn.Width() != pass.width || gradIn.NumFeatures() != pass.features {
		return fmt.Errorf("%w: gradient %dx%d, forward pass %dx%d", ErrShapeMismatch,
			gradIn.Width(), gradIn.NumFeatures(), pass.width, pass.features)
	}
	start := time.Now()

	gradOut.Resize(gradIn, gradIn.NumFeatures())
	gradOut.CopyAll(gradIn)
	if pass.mask != nil {
		gradOut.Tensor().ApplyMask(pass.mask.Tensor())
	}

	l.observe("backward", start, gradIn, pass)
	if debug {
		log.Debug().
			Str("layer", l.name).
			Int("width", gradIn.Width()).
			Bool("masked", pass.mask != nil).
			Msg("Dropout backward")
	}
	return nil
}

func (l *DropoutLayer) observe(op string, start time.Time, in *IO, pass *DropoutPass) {
	layerDuration.WithLabelValues(TypeDropout.String(), op).Observe(time.Since(start).Seconds())
	elementsProcessed.WithLabelValues(TypeDropout.String(), op).Add(float64(in.Width() * in.NumFeatures()))
	if op == "forward" && pass.mask != nil {
		elementsDropped.Add(float64(pass.mask.Tensor().CountZeros()))
	}
}

func (p *DropoutPass) droppedFraction() float64 {
	n := p.width * p.features
	if p.mask == nil || n == 0 {
		return 0
	}
	return float64(p.mask.Tensor().CountZeros()) / float64(n)
}

// Serialize writes the base header followed by the rate as a little-endian
// float32.
func (l *DropoutLayer) Serialize(w io.Writer) error {
	if err := WriteHeader(w, l.header()); err != nil {
		return err
	}
	if err := writeFloat32(w, l.rate); err != nil {
		return fmt.Errorf("write dropout rate: %w", err)
	}
	return nil
}

// Deserialize reads what Serialize wrote. On error the layer is unchanged.
func (l *DropoutLayer) Deserialize(r io.Reader) error {
	h, err := ReadHeader(r)
	if err != nil {
		return err
	}
	return l.readBody(h, r)
}

func (l *DropoutLayer) readBody(h Header, r io.Reader) error {
	if h.Type != TypeDropout {
		return fmt.Errorf("%w: expected %s header, got %s", ErrCorrupt, TypeDropout, h.Type)
	}
	if h.NumInputs != h.NumOutputs || h.NumInputs == 0 {
		return fmt.Errorf("%w: dropout dimensions %d -> %d", ErrCorrupt, h.NumInputs, h.NumOutputs)
	}
	rate, err := readFloat32(r)
	if err != nil {
		return fmt.Errorf("read dropout rate: %w", err)
	}
	if err := validateRate(rate); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	l.setHeader(h)
	l.rate = rate
	return nil
}

var _ Layer = (*DropoutLayer)(nil)
