package layers

import (
	"fmt"
	"math"
)

// BatchNormConfig holds the BatchNorm2d hyperparameters.
type BatchNormConfig struct {
	Eps float64
	// Momentum is the exponential moving average factor of the running
	// statistics. nil switches to a cumulative moving average.
	Momentum          *float64
	Affine            bool
	TrackRunningStats bool
}

// DefaultBatchNormConfig returns eps 1e-5, momentum 0.1, affine and tracked
// running statistics.
func DefaultBatchNormConfig() BatchNormConfig {
	return BatchNormConfig{
		Eps:               1e-5,
		Momentum:          Momentum(0.1),
		Affine:            true,
		TrackRunningStats: true,
	}
}

// Momentum returns a pointer to v, for BatchNormConfig.Momentum.
func Momentum(v float64) *float64 { return &v }

// NormResult is the outcome of one BatchNorm2d forward call.
type NormResult struct {
	// Output is the normalized and affine-transformed activation.
	Output *Activation
	// Input is a copy of the forward input.
	Input *Activation
	// BeforeAffine is the input normalized with the same statistics as
	// Output, without the affine transform.
	BeforeAffine *Activation
	// Mean and Var are the per-channel statistics used for normalization.
	Mean []float32
	Var  []float32
}

// BatchNorm2d normalizes NCHW activations per channel and reports the
// pre-affine normalized values alongside the regular output.
//
// In training mode it normalizes with the batch statistics and, when
// tracking, folds them into the running estimates. In evaluation mode it
// uses the running estimates, or the batch statistics when it keeps none.
// A BatchNorm2d must not be shared between goroutines.
type BatchNorm2d struct {
	NumFeatures int
	Config      BatchNormConfig

	Weight []float32
	Bias   []float32

	RunningMean       []float32
	RunningVar        []float32
	NumBatchesTracked int64

	training bool
}

// NewBatchNorm2d creates a layer in training mode with weight 1, bias 0,
// running mean 0 and running variance 1.
func NewBatchNorm2d(numFeatures int, cfg BatchNormConfig) (*BatchNorm2d, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("num_features must be > 0, got %d", numFeatures)
	}
	if cfg.Eps <= 0 {
		return nil, fmt.Errorf("eps must be > 0, got %g", cfg.Eps)
	}
	if cfg.Momentum != nil && (*cfg.Momentum < 0 || *cfg.Momentum > 1) {
		return nil, fmt.Errorf("momentum must be in [0, 1], got %g", *cfg.Momentum)
	}
	b := &BatchNorm2d{NumFeatures: numFeatures, Config: cfg, training: true}
	if cfg.Affine {
		b.Weight = filled(numFeatures, 1)
		b.Bias = filled(numFeatures, 0)
	}
	if cfg.TrackRunningStats {
		b.ResetRunningStats()
	}
	return b, nil
}

func filled(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// ResetRunningStats restores the initial running estimates. It is a no-op
// for layers not tracking statistics.
func (b *BatchNorm2d) ResetRunningStats() {
	if !b.Config.TrackRunningStats {
		return
	}
	b.RunningMean = filled(b.NumFeatures, 0)
	b.RunningVar = filled(b.NumFeatures, 1)
	b.NumBatchesTracked = 0
}

// Train switches to training mode.
func (b *BatchNorm2d) Train() { b.training = true }

// Eval switches to evaluation mode.
func (b *BatchNorm2d) Eval() { b.training = false }

// Training reports whether the layer is in training mode.
func (b *BatchNorm2d) Training() bool { return b.training }

// Forward normalizes x. The running estimates are updated at most once per
// call; computing BeforeAffine never touches them.
func (b *BatchNorm2d) Forward(x *Activation) (*NormResult, error) {
	if x == nil {
		return nil, fmt.Errorf("input is nil")
	}
	if x.C != b.NumFeatures {
		return nil, fmt.Errorf("expected %d channels, got %d", b.NumFeatures, x.C)
	}
	if len(x.Data) != x.N*x.C*x.H*x.W {
		return nil, fmt.Errorf("input has %d values for shape %v", len(x.Data), x.Shape())
	}

	useBatch := b.training || b.RunningMean == nil || b.RunningVar == nil
	if useBatch && x.N*x.H*x.W <= 1 {
		return nil, fmt.Errorf("expected more than 1 value per channel when using batch statistics, got shape %v", x.Shape())
	}

	factor := 0.0
	if b.Config.Momentum != nil {
		factor = *b.Config.Momentum
	}
	update := b.training && b.Config.TrackRunningStats
	if update {
		b.NumBatchesTracked++
		if b.Config.Momentum == nil {
			factor = 1 / float64(b.NumBatchesTracked)
		}
	}

	var mean, variance []float64
	if useBatch {
		var unbiased []float64
		mean, variance, unbiased = channelStats(x)
		if update {
			for c := range b.NumFeatures {
				b.RunningMean[c] = float32((1-factor)*float64(b.RunningMean[c]) + factor*mean[c])
				b.RunningVar[c] = float32((1-factor)*float64(b.RunningVar[c]) + factor*unbiased[c])
			}
		}
	} else {
		mean = make([]float64, b.NumFeatures)
		variance = make([]float64, b.NumFeatures)
		for c := range b.NumFeatures {
			mean[c] = float64(b.RunningMean[c])
			variance[c] = float64(b.RunningVar[c])
		}
	}

	res := &NormResult{
		Input:        x.Clone(),
		BeforeAffine: normalize(x, mean, variance, b.Config.Eps, nil, nil),
		Mean:         make([]float32, b.NumFeatures),
		Var:          make([]float32, b.NumFeatures),
	}
	if b.Config.Affine {
		res.Output = normalize(x, mean, variance, b.Config.Eps, b.Weight, b.Bias)
	} else {
		res.Output = res.BeforeAffine.Clone()
	}
	for c := range b.NumFeatures {
		res.Mean[c] = float32(mean[c])
		res.Var[c] = float32(variance[c])
	}
	return res, nil
}

// channelStats returns per-channel mean, biased and unbiased variance.
func channelStats(x *Activation) (mean, biased, unbiased []float64) {
	mean = make([]float64, x.C)
	biased = make([]float64, x.C)
	unbiased = make([]float64, x.C)
	plane := x.H * x.W
	count := float64(x.N * plane)
	for c := range x.C {
		var sum float64
		for n := range x.N {
			off := (n*x.C + c) * plane
			for _, v := range x.Data[off : off+plane] {
				sum += float64(v)
			}
		}
		m := sum / count
		var sq float64
		for n := range x.N {
			off := (n*x.C + c) * plane
			for _, v := range x.Data[off : off+plane] {
				d := float64(v) - m
				sq += d * d
			}
		}
		mean[c] = m
		biased[c] = sq / count
		unbiased[c] = sq / (count - 1)
	}
	return mean, biased, unbiased
}

// normalize computes (x-mean)/sqrt(var+eps), then *weight+bias when weight
// is not nil.
func normalize(x *Activation, mean, variance []float64, eps float64, weight, bias []float32) *Activation {
	out := &Activation{N: x.N, C: x.C, H: x.H, W: x.W, Data: make([]float32, len(x.Data))}
	plane := x.H * x.W
	for c := range x.C {
		inv := 1 / math.Sqrt(variance[c]+eps)
		scale, shift := 1.0, 0.0
		if weight != nil {
			scale, shift = float64(weight[c]), float64(bias[c])
		}
		for n := range x.N {
			off := (n*x.C + c) * plane
			for i, v := range x.Data[off : off+plane] {
				out.Data[off+i] = float32((float64(v)-mean[c])*inv*scale + shift)
			}
		}
	}
	return out
}
