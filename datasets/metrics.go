package datasets

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LoaderMetrics are the Prometheus instruments updated by EpisodicLoader.
// A nil *LoaderMetrics records nothing.
type LoaderMetrics struct {
	Episodes          prometheus.Counter
	EpisodeFailures   prometheus.Counter
	EpisodeSeconds    prometheus.Histogram
	ClassFetchSeconds prometheus.Histogram
	SamplesLoaded     prometheus.Counter
}

// NewLoaderMetrics creates the loader instruments and registers them with
// reg when it is not nil.
func NewLoaderMetrics(reg prometheus.Registerer) *LoaderMetrics {
	m := &LoaderMetrics{
		Episodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fewshot",
			Name:      "episodes_total",
			Help:      "Episodes assembled by the episodic loader.",
		}),
		EpisodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fewshot",
			Name:      "episode_failures_total",
			Help:      "Episodes aborted because a class fetch failed.",
		}),
		EpisodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fewshot",
			Name:      "episode_seconds",
			Help:      "Wall time to assemble one episode.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		ClassFetchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fewshot",
			Name:      "class_fetch_seconds",
			Help:      "Wall time to fetch one class batch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		SamplesLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fewshot",
			Name:      "samples_loaded_total",
			Help:      "Images loaded into episodes.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Episodes, m.EpisodeFailures, m.EpisodeSeconds, m.ClassFetchSeconds, m.SamplesLoaded)
	}
	return m
}

func (m *LoaderMetrics) observeFetch(start time.Time, samples int) {
	if m == nil {
		return
	}
	m.ClassFetchSeconds.Observe(time.Since(start).Seconds())
	m.SamplesLoaded.Add(float64(samples))
}

func (m *LoaderMetrics) observeEpisode(start time.Time, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.EpisodeFailures.Inc()
		return
	}
	m.Episodes.Inc()
	m.EpisodeSeconds.Observe(time.Since(start).Seconds())
}
