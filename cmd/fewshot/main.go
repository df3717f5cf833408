// Command fewshot draws few-shot episodes from an image store, optionally
// runs them through an instrumented batch norm layer, and writes an episode
// manifest and summary plots.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/Noofbiz/fewshot/datasets"
	"github.com/Noofbiz/fewshot/layers"
	"github.com/Noofbiz/fewshot/storage"
)

// maxHistValues caps the pre-affine values kept for the histogram.
const maxHistValues = 200_000

func main() {
	a := args{Out: "output"}
	arg.MustParse(&a)

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	if err := klogFlags.Set("v", strconv.Itoa(a.Verbosity)); err != nil {
		klog.Exitf("invalid verbosity %d: %v", a.Verbosity, err)
	}
	defer klog.Flush()

	cfg, err := loadFileConfig(a.Config)
	if err != nil {
		klog.Exitf("%v", err)
	}
	cfg.merge(a)
	normCfg, err := cfg.Norm.batchNormConfig()
	if err != nil {
		klog.Exitf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := openStore(ctx, cfg.Store, cfg.DataDir)
	if err != nil {
		klog.Exitf("failed to open image store: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if a.MetricsAddr != "" {
		go serveMetrics(a.MetricsAddr, reg)
	}

	manager, err := datasets.NewSetDataManager(store, cfg.Loader)
	if err != nil {
		klog.Exitf("invalid loader config: %v", err)
	}
	manager.Metrics = datasets.NewLoaderMetrics(reg)
	loader, err := manager.GetDataLoader(ctx, cfg.Aug)
	if err != nil {
		klog.Exitf("failed to build episodic loader: %v", err)
	}
	source := loader.Set().Source()
	named, _ := source.(namedSource)

	var bn *layers.BatchNorm2d
	if a.Norm {
		bn, err = layers.NewBatchNorm2d(source.ImageShape()[0], normCfg)
		if err != nil {
			klog.Exitf("failed to create batch norm: %v", err)
		}
	}

	start := time.Now()
	rep := newReport(source.NumClasses(), manager.Config.NSupport)
	var histValues []float64
	for ep, err := range loader.All(ctx) {
		if err != nil {
			klog.Exitf("episode %d: %v", rep.episodes, err)
		}
		rep.add(ep, named)
		if bn == nil {
			continue
		}
		res, err := normalizeEpisode(bn, ep)
		if err != nil {
			klog.Exitf("episode %d: %v", rep.episodes-1, err)
		}
		mean, std := moments(res.BeforeAffine.Data)
		klog.V(1).Infof("episode %d pre-affine mean=%.4f std=%.4f batch mean=%v", rep.episodes-1, mean, std, res.Mean)
		for _, v := range res.BeforeAffine.Data {
			if len(histValues) >= maxHistValues {
				break
			}
			histValues = append(histValues, float64(v))
		}
	}
	elapsed := time.Since(start)

	if err := os.MkdirAll(a.Out, 0o755); err != nil {
		klog.Exitf("failed to create output dir: %v", err)
	}
	manifest := filepath.Join(a.Out, "episodes.csv")
	if err := rep.writeManifest(manifest); err != nil {
		klog.Exitf("failed to write manifest: %v", err)
	}
	var classNames []string
	if named != nil {
		classNames = named.Classes()
	}
	if err := plotClassFrequency(filepath.Join(a.Out, "class_frequency.png"), rep.classCounts, classNames); err != nil {
		klog.Exitf("failed to plot class frequency: %v", err)
	}
	if len(histValues) > 0 {
		if err := plotHistogram(filepath.Join(a.Out, "pre_affine_hist.png"), histValues); err != nil {
			klog.Exitf("failed to plot pre-affine histogram: %v", err)
		}
	}

	shape := source.ImageShape()
	imgBytes := uint64(rep.images) * uint64(shape[0]*shape[1]*shape[2]) * 4
	klog.Infof("served %s episodes (%s images, %s of pixel data) in %s; manifest at %s",
		humanize.Comma(int64(rep.episodes)), humanize.Comma(int64(rep.images)),
		humanize.Bytes(imgBytes), elapsed.Round(time.Millisecond), manifest)
	if bn != nil {
		klog.Infof("batch norm tracked %d batches, running mean %v, running var %v",
			bn.NumBatchesTracked, bn.RunningMean, bn.RunningVar)
	}
}

// openStore returns the image store for driver. The S3 store reads its
// settings from the environment.
func openStore(ctx context.Context, driver, dataDir string) (storage.Store, error) {
	switch storage.Driver(driver) {
	case storage.DriverFilesystem:
		return storage.NewFSStore(dataDir)
	case storage.DriverS3:
		cfg, err := storage.S3ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return storage.NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	klog.Infof("serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		klog.Errorf("metrics server: %v", err)
	}
}

// normalizeEpisode runs every image of ep through bn as one NCHW batch.
func normalizeEpisode(bn *layers.BatchNorm2d, ep *datasets.Episode) (*layers.NormResult, error) {
	flat, err := datasets.MakeEpisodeBatchFlat(ep)
	if err != nil {
		return nil, err
	}
	act, err := layers.NewActivationFromData(flat.Way*flat.Batch, flat.Channels, flat.Height, flat.Width, flat.Images)
	if err != nil {
		return nil, err
	}
	return bn.Forward(act)
}

func moments(xs []float32) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += float64(x)
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := float64(x) - mean
		std += d * d
	}
	return mean, math.Sqrt(std / float64(len(xs)))
}
