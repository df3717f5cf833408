// Package datasets builds few-shot episodes from a folder of class labelled
// images.
//
// The pipeline follows the usual episodic meta-learning layout:
//
//	ImageFolder       base dataset, (path, raw label) pairs read from a storage.Store
//	SubsetDataset     an evaluation split restricted and relabelled from a CSV descriptor
//	SetDataset        one ClassFetcher per class, each yielding shuffled batches
//	EpisodicBatchSampler  picks n_way classes per episode
//	EpisodicLoader    assembles the selected class batches into an Episode
//
// Images are decoded lazily, only when a class batch is fetched, and turned
// into normalized CHW float32 buffers by a Transform. Episodes convert into
// gomlx tensors of shape [n_way, n_support+n_query, C, H, W], and the loader
// implements gomlx's train.Dataset surface (Name, Yield, Reset).
package datasets

import (
	"context"
	"math/rand"
)

// Sample is a single (image, label) entry. Path is a storage key and Label is
// a dense class id.
type Sample struct {
	Path  string
	Label int
}

// SampleSource is the minimal interface the class pools read from. Both
// ImageFolder and SubsetDataset implement it.
type SampleSource interface {
	Len() int
	NumClasses() int
	// Label returns the dense class id of sample i.
	Label(i int) int
	// Example loads sample i as a normalized CHW buffer. rng drives the random
	// augmentations, if any.
	Example(ctx context.Context, i int, rng *rand.Rand) ([]float32, error)
	// ImageShape is the (channels, height, width) of every Example payload.
	ImageShape() [3]int
}
