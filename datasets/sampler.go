package datasets

import (
	"fmt"
	"iter"
	"math/rand"
	"sync"
	"time"
)

// EpisodicBatchSampler draws the classes of each episode: a fresh uniform
// permutation of all class ids, truncated to nWay. Classes never repeat
// within an episode but may repeat across episodes.
type EpisodicBatchSampler struct {
	nClasses  int
	nWay      int
	nEpisodes int

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// NewEpisodicBatchSampler validates the episode shape. The sampler is seeded
// from the current time; use WithSeed for a reproducible stream.
func NewEpisodicBatchSampler(nClasses, nWay, nEpisodes int) (*EpisodicBatchSampler, error) {
	if nClasses <= 0 {
		return nil, fmt.Errorf("need at least one class, got %d: %w", nClasses, ErrConfiguration)
	}
	if nWay <= 0 {
		return nil, fmt.Errorf("n_way must be > 0, got %d: %w", nWay, ErrConfiguration)
	}
	if nWay > nClasses {
		return nil, fmt.Errorf("n_way %d exceeds the %d available classes: %w", nWay, nClasses, ErrConfiguration)
	}
	if nEpisodes < 0 {
		return nil, fmt.Errorf("n_episode must be >= 0, got %d: %w", nEpisodes, ErrConfiguration)
	}
	return &EpisodicBatchSampler{
		nClasses:  nClasses,
		nWay:      nWay,
		nEpisodes: nEpisodes,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// WithSeed reseeds the sampler and returns it.
func (s *EpisodicBatchSampler) WithSeed(seed int64) *EpisodicBatchSampler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(seed))
	return s
}

// Len returns the number of episodes per iteration.
func (s *EpisodicBatchSampler) Len() int { return s.nEpisodes }

// NWay returns the number of classes per episode.
func (s *EpisodicBatchSampler) NWay() int { return s.nWay }

// All yields exactly Len() class selections. Each call starts a new stream
// continuing from the sampler's random state.
func (s *EpisodicBatchSampler) All() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		for range s.nEpisodes {
			s.mu.Lock()
			sel := s.rng.Perm(s.nClasses)[:s.nWay]
			s.mu.Unlock()
			if !yield(sel) {
				return
			}
		}
	}
}
