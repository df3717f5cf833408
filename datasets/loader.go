package datasets

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// DefaultWorkers is the class-fetch concurrency used when none is set.
const DefaultWorkers = 12

// Episode is one assembled few-shot episode. Slot i holds the batch of
// Classes[i]; slot order is the sampler's selection order.
type Episode struct {
	Classes    []int
	Images     [][][]float32 // [way][sample] CHW buffers
	Labels     [][]int       // [way][sample] dense class ids
	Indices    [][]int       // [way][sample] source indices
	ImageShape [3]int
}

// NWay returns the number of classes in the episode.
func (e *Episode) NWay() int { return len(e.Classes) }

// LoaderOptions configures an EpisodicLoader.
type LoaderOptions struct {
	// Workers bounds the concurrent class fetches. Zero means DefaultWorkers.
	Workers int
	// Prefetch is the number of upcoming episodes assembled in the background
	// by All. Zero disables prefetching.
	Prefetch int
	// Metrics is optional.
	Metrics *LoaderMetrics
}

// EpisodicLoader assembles episodes: for every class selection of the
// sampler it fetches one batch per class on a bounded worker pool and
// stacks the batches in selection order.
type EpisodicLoader struct {
	set      *SetDataset
	sampler  *EpisodicBatchSampler
	workers  int
	prefetch int
	metrics  *LoaderMetrics

	// Yield state.
	mu   sync.Mutex
	next func() ([]int, bool)
	stop func()
}

// NewEpisodicLoader ties a SetDataset to a sampler.
func NewEpisodicLoader(set *SetDataset, sampler *EpisodicBatchSampler, opts LoaderOptions) (*EpisodicLoader, error) {
	if set == nil || sampler == nil {
		return nil, fmt.Errorf("loader needs a set dataset and a sampler: %w", ErrConfiguration)
	}
	if sampler.nClasses > set.Len() {
		return nil, fmt.Errorf("sampler draws from %d classes but the dataset has %d: %w",
			sampler.nClasses, set.Len(), ErrConfiguration)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if opts.Prefetch < 0 {
		return nil, fmt.Errorf("prefetch must be >= 0, got %d: %w", opts.Prefetch, ErrConfiguration)
	}
	return &EpisodicLoader{
		set:      set,
		sampler:  sampler,
		workers:  workers,
		prefetch: opts.Prefetch,
		metrics:  opts.Metrics,
	}, nil
}

// Len returns the number of episodes per pass.
func (l *EpisodicLoader) Len() int { return l.sampler.Len() }

// Set returns the class pools the loader draws from.
func (l *EpisodicLoader) Set() *SetDataset { return l.set }

// Episode fetches one batch for each class in classes and assembles them in
// that order, whatever order the fetches complete in. The first failing
// fetch cancels the others and no partial episode is returned.
func (l *EpisodicLoader) Episode(ctx context.Context, classes []int) (*Episode, error) {
	start := time.Now()
	ep, err := l.assemble(ctx, classes)
	l.metrics.observeEpisode(start, err)
	return ep, err
}

func (l *EpisodicLoader) assemble(ctx context.Context, classes []int) (*Episode, error) {
	fetchers := make([]*ClassFetcher, len(classes))
	for slot, cl := range classes {
		f, err := l.set.Fetcher(cl)
		if err != nil {
			return nil, err
		}
		fetchers[slot] = f
	}

	batches := make([]*ClassBatch, len(classes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for slot, f := range fetchers {
		g.Go(func() error {
			start := time.Now()
			b, err := f.Fetch(gctx)
			if err != nil {
				return fmt.Errorf("episode slot %d: %w", slot, err)
			}
			l.metrics.observeFetch(start, b.Len())
			batches[slot] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ep := &Episode{
		Classes:    append([]int(nil), classes...),
		Images:     make([][][]float32, len(batches)),
		Labels:     make([][]int, len(batches)),
		Indices:    make([][]int, len(batches)),
		ImageShape: l.set.Source().ImageShape(),
	}
	for slot, b := range batches {
		ep.Images[slot] = b.Images
		ep.Indices[slot] = b.Indices
		ep.Labels[slot] = make([]int, b.Len())
		for i := range ep.Labels[slot] {
			ep.Labels[slot][i] = b.Class
		}
	}
	return ep, nil
}

type episodeResult struct {
	ep  *Episode
	err error
}

// All yields one episode per sampler selection. Iteration stops after the
// first error. With Prefetch > 0 a background goroutine assembles episodes
// ahead of the consumer; they are still yielded in sampler order.
func (l *EpisodicLoader) All(ctx context.Context) iter.Seq2[*Episode, error] {
	return func(yield func(*Episode, error) bool) {
		if l.prefetch == 0 {
			for sel := range l.sampler.All() {
				ep, err := l.Episode(ctx, sel)
				if !yield(ep, err) || err != nil {
					return
				}
			}
			return
		}

		pctx, cancel := context.WithCancel(ctx)
		defer cancel()
		results := make(chan episodeResult, l.prefetch)
		go func() {
			defer close(results)
			for sel := range l.sampler.All() {
				ep, err := l.Episode(pctx, sel)
				select {
				case results <- episodeResult{ep: ep, err: err}:
				case <-pctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()
		for r := range results {
			if !yield(r.ep, r.err) || r.err != nil {
				return
			}
		}
		// The producer stops silently when the caller cancels.
		if err := ctx.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Name implements gomlx's train.Dataset.
func (l *EpisodicLoader) Name() string { return "EpisodicLoader" }

// Yield implements gomlx's train.Dataset: inputs holds one [way, batch, C,
// H, W] float32 tensor, labels one [way, batch] int32 tensor and spec the
// episode's class selection. It returns io.EOF after Len() episodes, until
// Reset is called.
func (l *EpisodicLoader) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	l.mu.Lock()
	if l.next == nil {
		l.next, l.stop = iter.Pull(l.sampler.All())
	}
	sel, ok := l.next()
	l.mu.Unlock()
	if !ok {
		return nil, nil, nil, io.EOF
	}

	ep, err := l.Episode(context.Background(), sel)
	if err != nil {
		return nil, nil, nil, err
	}
	flat, err := MakeEpisodeBatchFlat(ep)
	if err != nil {
		return nil, nil, nil, err
	}
	in, la, err := flat.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	return ep.Classes, []*tensors.Tensor{in}, []*tensors.Tensor{la}, nil
}

// Reset restarts Yield with a fresh sampler stream.
func (l *EpisodicLoader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		l.stop()
	}
	l.next, l.stop = nil, nil
	klog.V(2).Infof("episodic loader reset")
}

// EpisodeBatchFlat stores an episode in flat contiguous buffers.
type EpisodeBatchFlat struct {
	Images   []float32
	Labels   []int32
	Way      int
	Batch    int
	Channels int
	Height   int
	Width    int
}

// MakeEpisodeBatchFlat flattens an episode into [way, batch, C, H, W]. All
// class batches must have the same size; an episode holding a class with
// fewer samples than the batch size cannot be packed densely.
func MakeEpisodeBatchFlat(ep *Episode) (*EpisodeBatchFlat, error) {
	if ep == nil || len(ep.Images) == 0 {
		return &EpisodeBatchFlat{}, nil
	}
	c, h, w := ep.ImageShape[0], ep.ImageShape[1], ep.ImageShape[2]
	imgSize := c * h * w
	way := len(ep.Images)
	batch := len(ep.Images[0])
	for slot := range ep.Images {
		if len(ep.Images[slot]) != batch {
			return nil, fmt.Errorf("inconsistent class batch sizes: slot 0 has %d samples, slot %d (class %d) has %d",
				batch, slot, ep.Classes[slot], len(ep.Images[slot]))
		}
	}

	flat := &EpisodeBatchFlat{
		Images:   make([]float32, way*batch*imgSize),
		Labels:   make([]int32, way*batch),
		Way:      way,
		Batch:    batch,
		Channels: c,
		Height:   h,
		Width:    w,
	}
	for slot := range way {
		for i := range batch {
			img := ep.Images[slot][i]
			if len(img) != imgSize {
				return nil, fmt.Errorf("image [%d][%d] has %d values, expected %d", slot, i, len(img), imgSize)
			}
			pos := slot*batch + i
			copy(flat.Images[pos*imgSize:], img)
			flat.Labels[pos] = int32(ep.Labels[slot][i])
		}
	}
	return flat, nil
}

// ToGomlxTensors converts the flat batch to gomlx tensors. An empty batch
// has no tensor form.
func (b *EpisodeBatchFlat) ToGomlxTensors() (*tensors.Tensor, *tensors.Tensor, error) {
	if b.Way == 0 || b.Batch == 0 {
		return nil, nil, fmt.Errorf("empty episode batch (way %d, batch %d)", b.Way, b.Batch)
	}
	in := tensors.FromFlatDataAndDimensions(b.Images, b.Way, b.Batch, b.Channels, b.Height, b.Width)
	la := tensors.FromFlatDataAndDimensions(b.Labels, b.Way, b.Batch)
	return in, la, nil
}
