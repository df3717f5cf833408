package main

// Example command that builds an episodic pipeline by hand over an
// in-memory image store filled with synthetic images, then pulls one
// episode as gomlx tensors through the train.Dataset surface.
//
// Usage:
//   go run ./datasets/example

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"k8s.io/klog/v2"

	"github.com/Noofbiz/fewshot/datasets"
	"github.com/Noofbiz/fewshot/storage"
)

func main() {
	store := storage.NewMemoryStore()
	classes := []string{"cat", "dog", "fox", "owl", "yak", "emu"}
	for c, name := range classes {
		for i := range 4 {
			store.Put(fmt.Sprintf("train/%s/%d.png", name, i), syntheticPNG(uint8(40*c), uint8(60*i)))
		}
	}

	ctx := context.Background()
	transform := datasets.NewTransformLoader(32).Composed(true)
	reader, err := datasets.NewImageReader(store, transform, 0)
	if err != nil {
		klog.Exitf("failed to create image reader: %v", err)
	}
	folder, err := datasets.NewImageFolder(ctx, reader, "train")
	if err != nil {
		klog.Exitf("failed to list image folder: %v", err)
	}
	fmt.Printf("Image folder: %d images in classes %v\n", folder.Len(), folder.Classes())

	// 1 support + 2 query images per class, 3 classes per episode.
	set, err := datasets.NewSetDataset(folder, 3, 1)
	if err != nil {
		klog.Exitf("failed to build class pools: %v", err)
	}
	sampler, err := datasets.NewEpisodicBatchSampler(set.Len(), 3, 2)
	if err != nil {
		klog.Exitf("failed to create sampler: %v", err)
	}
	loader, err := datasets.NewEpisodicLoader(set, sampler.WithSeed(1), datasets.LoaderOptions{Workers: 3})
	if err != nil {
		klog.Exitf("failed to create loader: %v", err)
	}

	for ep, err := range loader.All(ctx) {
		if err != nil {
			klog.Exitf("episode failed: %v", err)
		}
		fmt.Printf("Episode classes %v, %d images per class, image shape %v\n",
			ep.Classes, len(ep.Images[0]), ep.ImageShape)
	}

	spec, inputs, labels, err := loader.Yield()
	if err != nil {
		klog.Exitf("failed to yield episode: %v", err)
	}
	fmt.Printf("Yielded episode %v: inputs %s, labels %s\n", spec, inputs[0].Shape(), labels[0].Shape())
}

// syntheticPNG encodes a 48x40 gradient image.
func syntheticPNG(r, g uint8) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 48, 40))
	for y := range 40 {
		for x := range 48 {
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: uint8(x * 5), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		klog.Exitf("failed to encode image: %v", err)
	}
	return buf.Bytes()
}
