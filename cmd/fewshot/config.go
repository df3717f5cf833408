package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Noofbiz/fewshot/datasets"
	"github.com/Noofbiz/fewshot/layers"
)

// defaultImageSize is the side of the episode images when neither the
// config file nor the flags set one.
const defaultImageSize = 84

// args are the command line options. Non-zero values override the JSON
// config file.
type args struct {
	Config      string `arg:"--config" help:"JSON config file with loader, norm and store sections"`
	Store       string `arg:"--store" help:"image store driver: fs or s3"`
	DataDir     string `arg:"--data-dir" help:"root directory of the fs image store"`
	ImageRoot   string `arg:"--image-root" help:"store prefix joined onto the split's image paths"`
	BaseRoot    string `arg:"--base-root" help:"store prefix of the base image folder (default: image root)"`
	Split       string `arg:"--split" help:"split descriptor CSV"`
	ImageSize   int    `arg:"--image-size" help:"side of the produced images"`
	NWay        int    `arg:"--n-way" help:"classes per episode"`
	NSupport    int    `arg:"--n-support" help:"support samples per class"`
	NQuery      int    `arg:"--n-query" help:"query samples per class"`
	NEpisode    int    `arg:"--n-episode" help:"episodes to draw"`
	Workers     int    `arg:"--workers" help:"concurrent class fetches"`
	Prefetch    int    `arg:"--prefetch" help:"episodes assembled ahead of the consumer"`
	CacheSize   int    `arg:"--cache-size" help:"transformed images kept in memory when aug is off"`
	Seed        int64  `arg:"--seed" help:"random seed (0 = time based)"`
	Aug         bool   `arg:"--aug" help:"use the augmenting transform"`
	Norm        bool   `arg:"--norm" help:"run every episode through a BatchNorm2d and report pre-affine statistics"`
	Out         string `arg:"--out" help:"output directory for the manifest and plots"`
	MetricsAddr string `arg:"--metrics-addr" help:"serve Prometheus metrics on this address, e.g. :9090"`
	Verbosity   int    `arg:"-v" help:"log verbosity"`
}

// normConfig is the JSON form of layers.BatchNormConfig. Momentum keeps its
// raw form so an explicit null (cumulative average) can be told apart from
// an absent value (the default 0.1).
type normConfig struct {
	Eps               float64         `json:"eps"`
	Momentum          json.RawMessage `json:"momentum"`
	Affine            *bool           `json:"affine"`
	TrackRunningStats *bool           `json:"track_running_stats"`
}

// fileConfig is the layout of the --config file.
type fileConfig struct {
	Store   string                 `json:"store"`
	DataDir string                 `json:"data_dir"`
	Aug     bool                   `json:"aug"`
	Loader  datasets.ManagerConfig `json:"loader"`
	Norm    normConfig             `json:"norm"`
}

// loadFileConfig reads a JSON config. An empty path yields the zero config.
func loadFileConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// merge overlays the non-zero command line values onto the file config.
func (c *fileConfig) merge(a args) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setString(&c.Store, a.Store)
	setString(&c.DataDir, a.DataDir)
	setString(&c.Loader.ImageRoot, a.ImageRoot)
	setString(&c.Loader.BaseRoot, a.BaseRoot)
	setString(&c.Loader.SplitPath, a.Split)
	setInt(&c.Loader.ImageSize, a.ImageSize)
	setInt(&c.Loader.NWay, a.NWay)
	setInt(&c.Loader.NSupport, a.NSupport)
	setInt(&c.Loader.NQuery, a.NQuery)
	setInt(&c.Loader.NEpisode, a.NEpisode)
	setInt(&c.Loader.Workers, a.Workers)
	setInt(&c.Loader.Prefetch, a.Prefetch)
	setInt(&c.Loader.CacheSize, a.CacheSize)
	if a.Seed != 0 {
		c.Loader.Seed = a.Seed
	}
	c.Aug = c.Aug || a.Aug

	if c.Store == "" {
		c.Store = "fs"
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Loader.ImageSize == 0 {
		c.Loader.ImageSize = defaultImageSize
	}
}

// batchNormConfig converts the JSON norm section, starting from the layer
// defaults.
func (n normConfig) batchNormConfig() (layers.BatchNormConfig, error) {
	cfg := layers.DefaultBatchNormConfig()
	if n.Eps > 0 {
		cfg.Eps = n.Eps
	}
	switch raw := strings.TrimSpace(string(n.Momentum)); raw {
	case "":
	case "null":
		cfg.Momentum = nil
	default:
		var m float64
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return cfg, fmt.Errorf("invalid norm momentum %s: %w", raw, err)
		}
		if m < 0 || m > 1 {
			return cfg, fmt.Errorf("norm momentum must be in [0, 1], got %v", m)
		}
		cfg.Momentum = layers.Momentum(m)
	}
	if n.Affine != nil {
		cfg.Affine = *n.Affine
	}
	if n.TrackRunningStats != nil {
		cfg.TrackRunningStats = *n.TrackRunningStats
	}
	return cfg, nil
}
