package datasets

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/Noofbiz/fewshot/storage"
)

// ManagerConfig holds the options of a SetDataManager. Zero values are
// replaced by the defaults noted on each field.
type ManagerConfig struct {
	// ImageSize is the side of the produced images. Required.
	ImageSize int `json:"image_size"`

	// NWay is the number of classes per episode (default 5).
	NWay int `json:"n_way"`
	// NSupport and NQuery make up the per-class batch (defaults 5 and 16).
	NSupport int `json:"n_support"`
	NQuery   int `json:"n_query"`
	// NEpisode is the number of episodes per pass (default 100).
	NEpisode int `json:"n_episode"`

	// Workers bounds concurrent class fetches (default 12).
	Workers int `json:"workers"`
	// Prefetch is the number of episodes assembled ahead of the consumer.
	Prefetch int `json:"prefetch"`

	// BaseRoot is the store prefix of the base ImageFolder. Defaults to
	// ImageRoot.
	BaseRoot string `json:"base_root"`
	// ImageRoot is the store prefix joined onto the split's image paths.
	ImageRoot string `json:"image_root"`
	// SplitPath is the split descriptor CSV. When empty the episodes are
	// drawn from the whole base ImageFolder.
	SplitPath   string `json:"split"`
	PathColumn  string `json:"path_column"`
	LabelColumn string `json:"label_column"`

	// CacheSize is the number of transformed images kept in memory when
	// augmentation is off. Zero disables the cache.
	CacheSize int `json:"cache_size"`

	// Seed makes class shuffling and episode sampling reproducible. Zero
	// uses a time based seed.
	Seed int64 `json:"seed"`
}

// WithDefaults returns a copy with zero fields set to their defaults.
func (c ManagerConfig) WithDefaults() ManagerConfig {
	if c.NWay == 0 {
		c.NWay = 5
	}
	if c.NSupport == 0 {
		c.NSupport = 5
	}
	if c.NQuery == 0 {
		c.NQuery = 16
	}
	if c.NEpisode == 0 {
		c.NEpisode = 100
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.BaseRoot == "" {
		c.BaseRoot = c.ImageRoot
	}
	return c
}

// Validate reports missing or inconsistent values as ErrConfiguration.
func (c ManagerConfig) Validate() error {
	switch {
	case c.ImageSize <= 0:
		return fmt.Errorf("image_size must be > 0, got %d: %w", c.ImageSize, ErrConfiguration)
	case c.NWay <= 0:
		return fmt.Errorf("n_way must be > 0, got %d: %w", c.NWay, ErrConfiguration)
	case c.NSupport < 0 || c.NQuery < 0 || c.NSupport+c.NQuery <= 0:
		return fmt.Errorf("n_support %d + n_query %d must be > 0: %w", c.NSupport, c.NQuery, ErrConfiguration)
	case c.NEpisode < 0:
		return fmt.Errorf("n_episode must be >= 0, got %d: %w", c.NEpisode, ErrConfiguration)
	case c.Workers < 0:
		return fmt.Errorf("workers must be >= 0, got %d: %w", c.Workers, ErrConfiguration)
	case c.Prefetch < 0:
		return fmt.Errorf("prefetch must be >= 0, got %d: %w", c.Prefetch, ErrConfiguration)
	case c.CacheSize < 0:
		return fmt.Errorf("cache_size must be >= 0, got %d: %w", c.CacheSize, ErrConfiguration)
	}
	return nil
}

// SetDataManager builds episodic loaders from a ManagerConfig.
type SetDataManager struct {
	Config ManagerConfig

	// Metrics, when set, is handed to every loader.
	Metrics *LoaderMetrics

	store       storage.Store
	transLoader *TransformLoader
}

// NewSetDataManager validates cfg (after defaults) against store.
func NewSetDataManager(store storage.Store, cfg ManagerConfig) (*SetDataManager, error) {
	if store == nil {
		return nil, fmt.Errorf("image store is nil: %w", ErrConfiguration)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SetDataManager{
		Config:      cfg,
		store:       store,
		transLoader: NewTransformLoader(cfg.ImageSize),
	}, nil
}

// BatchSize is the per-class batch size, n_support + n_query.
func (m *SetDataManager) BatchSize() int { return m.Config.NSupport + m.Config.NQuery }

// TransformLoader exposes the transform settings (normalization, jitter) for
// adjustment before GetDataLoader.
func (m *SetDataManager) TransformLoader() *TransformLoader { return m.transLoader }

// GetDataLoader builds the full pipeline: base ImageFolder, split subset,
// class pools, sampler and loader. aug selects the augmenting transform.
func (m *SetDataManager) GetDataLoader(ctx context.Context, aug bool) (*EpisodicLoader, error) {
	cfg := m.Config
	transform := m.transLoader.Composed(aug)
	reader, err := NewImageReader(m.store, transform, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	base, err := NewImageFolder(ctx, reader, cfg.BaseRoot)
	if err != nil {
		return nil, err
	}

	var source SampleSource = base
	if cfg.SplitPath != "" {
		split, err := LoadSplit(cfg.SplitPath, cfg.PathColumn, cfg.LabelColumn)
		if err != nil {
			return nil, err
		}
		subset, err := ConstructSubset(base, split, cfg.ImageRoot)
		if err != nil {
			return nil, err
		}
		source = subset
	}

	set, err := NewSetDataset(source, m.BatchSize(), cfg.Seed)
	if err != nil {
		return nil, err
	}
	sampler, err := NewEpisodicBatchSampler(set.Len(), cfg.NWay, cfg.NEpisode)
	if err != nil {
		return nil, err
	}
	if cfg.Seed != 0 {
		sampler.WithSeed(cfg.Seed)
	}

	klog.V(1).Infof("episodic loader: %d classes, %d-way, batch %d, %d episodes, %d workers, aug=%v",
		set.Len(), cfg.NWay, m.BatchSize(), cfg.NEpisode, cfg.Workers, aug)
	return NewEpisodicLoader(set, sampler, LoaderOptions{
		Workers:  cfg.Workers,
		Prefetch: cfg.Prefetch,
		Metrics:  m.Metrics,
	})
}
