package datasets

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/fewshot/storage"
)

// imageExtensions are the file suffixes ImageFolder picks up.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".ppm": true, ".bmp": true,
	".pgm": true, ".tif": true, ".tiff": true, ".webp": true, ".gif": true,
}

// ImageReader reads an image from the store, decodes it and applies the
// transform. Outputs of deterministic transforms are kept in an LRU cache;
// cached buffers are shared and must not be modified by callers.
type ImageReader struct {
	store     storage.Store
	transform *Transform
	cache     *lru.Cache[string, []float32]
}

// NewImageReader returns a reader over store. cacheSize <= 0 disables the
// cache; it is also unused when the transform is random.
func NewImageReader(store storage.Store, transform *Transform, cacheSize int) (*ImageReader, error) {
	if store == nil {
		return nil, fmt.Errorf("image store is nil: %w", ErrConfiguration)
	}
	if transform == nil {
		return nil, fmt.Errorf("image transform is nil: %w", ErrConfiguration)
	}
	r := &ImageReader{store: store, transform: transform}
	if cacheSize > 0 && !transform.Random() {
		cache, err := lru.New[string, []float32](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create image cache: %w", err)
		}
		r.cache = cache
	}
	return r, nil
}

// Shape is the (channels, height, width) of loaded images.
func (r *ImageReader) Shape() [3]int { return r.transform.Shape() }

// Load returns the transformed image stored under key.
func (r *ImageReader) Load(ctx context.Context, key string, rng *rand.Rand) ([]float32, error) {
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v, nil
		}
	}
	data, err := storage.ReadAll(ctx, r.store, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrMissingFile)
		}
		return nil, fmt.Errorf("failed to read image %s: %w", key, err)
	}
	img, err := decodeImage(key, data)
	if err != nil {
		return nil, err
	}
	out := r.transform.Apply(img, rng)
	if r.cache != nil {
		r.cache.Add(key, out)
	}
	return out, nil
}

// RawSample is an ImageFolder entry before relabelling.
type RawSample struct {
	Path  string
	Label string
}

// ImageFolder is a flat image dataset laid out as root/<class>/<image>.
// Classes are the sorted sub-directory names and labels are their index.
type ImageFolder struct {
	*ImageReader

	root    string
	samples []RawSample
	classes []string
	classID map[string]int
}

// NewImageFolder lists root in the reader's store. A root holding no images
// yields an empty dataset.
func NewImageFolder(ctx context.Context, reader *ImageReader, root string) (*ImageFolder, error) {
	if reader == nil {
		return nil, fmt.Errorf("image reader is nil: %w", ErrConfiguration)
	}
	prefix := strings.Trim(root, "/")
	keys, err := reader.store.List(ctx, prefix)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, fmt.Errorf("image root %q: %w", root, ErrMissingFile)
		}
		return nil, fmt.Errorf("failed to list image root %q: %w", root, err)
	}

	f := &ImageFolder{ImageReader: reader, root: prefix, classID: make(map[string]int)}
	skipped := 0
	for _, key := range keys {
		rel := key
		if prefix != "" {
			if !strings.HasPrefix(key, prefix+"/") {
				skipped++
				continue
			}
			rel = strings.TrimPrefix(key, prefix+"/")
		}
		class, file, ok := strings.Cut(rel, "/")
		if !ok || strings.Contains(file, "/") || !imageExtensions[strings.ToLower(path.Ext(file))] {
			skipped++
			continue
		}
		f.samples = append(f.samples, RawSample{Path: key, Label: class})
		if _, seen := f.classID[class]; !seen {
			f.classID[class] = -1
			f.classes = append(f.classes, class)
		}
	}
	sort.Strings(f.classes)
	for i, c := range f.classes {
		f.classID[c] = i
	}
	sort.Slice(f.samples, func(i, j int) bool {
		if f.samples[i].Label != f.samples[j].Label {
			return f.classID[f.samples[i].Label] < f.classID[f.samples[j].Label]
		}
		return f.samples[i].Path < f.samples[j].Path
	})

	klog.V(1).Infof("image folder %q: %d images in %d classes (%d keys skipped)",
		root, len(f.samples), len(f.classes), skipped)
	return f, nil
}

// Root is the store prefix the folder was listed from.
func (f *ImageFolder) Root() string { return f.root }

// Len returns the number of images.
func (f *ImageFolder) Len() int { return len(f.samples) }

// Sample returns the (path, raw label) pair at i.
func (f *ImageFolder) Sample(i int) RawSample { return f.samples[i] }

// Path returns the store key of image i.
func (f *ImageFolder) Path(i int) string { return f.samples[i].Path }

// Classes returns the sorted class names.
func (f *ImageFolder) Classes() []string { return append([]string(nil), f.classes...) }

func (f *ImageFolder) NumClasses() int { return len(f.classes) }

func (f *ImageFolder) Label(i int) int { return f.classID[f.samples[i].Label] }

func (f *ImageFolder) ImageShape() [3]int { return f.Shape() }

// Example loads image i.
func (f *ImageFolder) Example(ctx context.Context, i int, rng *rand.Rand) ([]float32, error) {
	if i < 0 || i >= len(f.samples) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", i, len(f.samples))
	}
	return f.Load(ctx, f.samples[i].Path, rng)
}
