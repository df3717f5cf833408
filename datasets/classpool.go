package datasets

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// ClassBatch is one class's share of an episode.
type ClassBatch struct {
	Class   int
	Indices []int       // sample indices into the source, in batch order
	Images  [][]float32 // one CHW buffer per sample
}

// Len returns the number of samples in the batch.
func (b *ClassBatch) Len() int { return len(b.Indices) }

// ClassFetcher yields shuffled batches drawn from a single class. Every Fetch
// reshuffles the whole pool and takes its first batchSize members, so a class
// with fewer members than batchSize always returns all of them.
type ClassFetcher struct {
	class     int
	indices   []int
	batchSize int
	source    SampleSource

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// Class returns the class id served by the fetcher.
func (f *ClassFetcher) Class() int { return f.class }

// Len returns the number of samples in the class pool.
func (f *ClassFetcher) Len() int { return len(f.indices) }

// Indices returns a copy of the pool's sample indices.
func (f *ClassFetcher) Indices() []int { return append([]int(nil), f.indices...) }

// Fetch loads a freshly shuffled batch. Any load error fails the whole batch.
func (f *ClassFetcher) Fetch(ctx context.Context) (*ClassBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := min(f.batchSize, len(f.indices))
	perm := f.rng.Perm(len(f.indices))
	batch := &ClassBatch{
		Class:   f.class,
		Indices: make([]int, n),
		Images:  make([][]float32, n),
	}
	for i := range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := f.indices[perm[i]]
		img, err := f.source.Example(ctx, idx, f.rng)
		if err != nil {
			return nil, fmt.Errorf("class %d sample %d: %w", f.class, idx, err)
		}
		batch.Indices[i] = idx
		batch.Images[i] = img
	}
	return batch, nil
}

// SetDataset groups a SampleSource by class and holds one ClassFetcher per
// class. Pools hold indices into the source, not copies of the samples.
type SetDataset struct {
	source    SampleSource
	batchSize int
	fetchers  []*ClassFetcher
}

// NewSetDataset builds the class pools in a single pass over source. Every
// class id in [0, NumClasses) must own at least one sample. A zero seed
// seeds the fetchers from the current time.
func NewSetDataset(source SampleSource, batchSize int, seed int64) (*SetDataset, error) {
	if source == nil {
		return nil, fmt.Errorf("sample source is nil: %w", ErrConfiguration)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d: %w", batchSize, ErrConfiguration)
	}
	numClasses := source.NumClasses()
	if numClasses == 0 {
		return nil, fmt.Errorf("source has no classes: %w", ErrConfiguration)
	}

	pools := make([][]int, numClasses)
	for i := range source.Len() {
		label := source.Label(i)
		if label < 0 || label >= numClasses {
			return nil, fmt.Errorf("sample %d has label %d outside [0, %d): %w", i, label, numClasses, ErrConfiguration)
		}
		pools[label] = append(pools[label], i)
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	master := rand.New(rand.NewSource(seed))

	d := &SetDataset{source: source, batchSize: batchSize, fetchers: make([]*ClassFetcher, numClasses)}
	for cl, indices := range pools {
		if len(indices) == 0 {
			return nil, fmt.Errorf("class %d has no samples: %w", cl, ErrConfiguration)
		}
		if len(indices) < batchSize {
			klog.V(2).Infof("class %d has %d samples, fewer than the batch size %d", cl, len(indices), batchSize)
		}
		d.fetchers[cl] = &ClassFetcher{
			class:     cl,
			indices:   indices,
			batchSize: batchSize,
			source:    source,
			rng:       rand.New(rand.NewSource(master.Int63())),
		}
	}
	return d, nil
}

// Len returns the number of classes.
func (d *SetDataset) Len() int { return len(d.fetchers) }

// BatchSize is the per-class batch size (n_support + n_query).
func (d *SetDataset) BatchSize() int { return d.batchSize }

// Source returns the underlying samples.
func (d *SetDataset) Source() SampleSource { return d.source }

// Fetcher returns the fetcher of class cl.
func (d *SetDataset) Fetcher(cl int) (*ClassFetcher, error) {
	if cl < 0 || cl >= len(d.fetchers) {
		return nil, fmt.Errorf("class %d outside [0, %d): %w", cl, len(d.fetchers), ErrConfiguration)
	}
	return d.fetchers[cl], nil
}

// Get fetches a batch of class cl.
func (d *SetDataset) Get(ctx context.Context, cl int) (*ClassBatch, error) {
	f, err := d.Fetcher(cl)
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx)
}
