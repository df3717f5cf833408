package datasets

import (
	"context"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/fewshot/storage"
)

func TestImageFolderListsClassDirectories(t *testing.T) {
	store := storage.NewMemoryStore()
	img := pngBytes(t, solidImage(6, 6, red))
	store.Put("train/zebra/1.png", img)
	store.Put("train/ant/2.PNG", img)
	store.Put("train/ant/1.png", img)
	store.Put("train/readme.txt", []byte("hi"))
	store.Put("train/ant/notes.txt", []byte("hi"))
	store.Put("train/deep/nested/x.png", img)
	store.Put("val/ant/9.png", img)

	f := newTestFolder(t, store, "/train/")
	assert.Equal(t, "train", f.Root())
	assert.Equal(t, []string{"ant", "zebra"}, f.Classes())
	assert.Equal(t, 2, f.NumClasses())
	require.Equal(t, 3, f.Len())
	assert.Equal(t, RawSample{Path: "train/ant/1.png", Label: "ant"}, f.Sample(0))
	assert.Equal(t, RawSample{Path: "train/ant/2.PNG", Label: "ant"}, f.Sample(1))
	assert.Equal(t, RawSample{Path: "train/zebra/1.png", Label: "zebra"}, f.Sample(2))
	assert.Equal(t, []int{0, 0, 1}, []int{f.Label(0), f.Label(1), f.Label(2)})

	x, err := f.Example(context.Background(), 2, nil)
	require.NoError(t, err)
	assert.Len(t, x, 3*4*4)

	_, err = f.Example(context.Background(), 3, nil)
	assert.Error(t, err)
}

func TestImageFolderEmptyRoot(t *testing.T) {
	f := newTestFolder(t, storage.NewMemoryStore(), "nothing")
	assert.Equal(t, 0, f.Len())
	assert.Empty(t, f.Classes())
}

func TestImageFolderMissingFilesystemRoot(t *testing.T) {
	store, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	reader, err := NewImageReader(store, NewTransformLoader(4).Composed(false), 0)
	require.NoError(t, err)
	_, err = NewImageFolder(context.Background(), reader, "absent")
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestImageReaderCachesDeterministicTransforms(t *testing.T) {
	mem := storage.NewMemoryStore()
	mem.Put("a.png", pngBytes(t, solidImage(5, 5, red)))
	store := &countingStore{Store: mem}
	ctx := context.Background()

	reader, err := NewImageReader(store, NewTransformLoader(4).Composed(false), 8)
	require.NoError(t, err)
	first, err := reader.Load(ctx, "a.png", nil)
	require.NoError(t, err)
	second, err := reader.Load(ctx, "a.png", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, store.opens.Load())

	aug, err := NewImageReader(store, NewTransformLoader(4).Composed(true), 8)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(1))
	for range 2 {
		_, err := aug.Load(ctx, "a.png", rng)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, store.opens.Load(), "augmented images are never cached")
}

func TestImageReaderErrors(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("empty.png", nil)
	store.Put("junk.png", []byte("definitely not an image"))
	reader, err := NewImageReader(store, NewTransformLoader(4).Composed(false), 0)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = reader.Load(ctx, "missing.png", nil)
	assert.ErrorIs(t, err, ErrMissingFile)
	_, err = reader.Load(ctx, "empty.png", nil)
	assert.ErrorIs(t, err, ErrDecode)
	_, err = reader.Load(ctx, "junk.png", nil)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = NewImageReader(nil, NewTransformLoader(4).Composed(false), 0)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = NewImageReader(store, nil, 0)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDecodeRecoversTruncatedJPEG(t *testing.T) {
	data := jpegBytes(t, solidImage(16, 12, red))
	require.Equal(t, jpegEOI, data[len(data)-2:])

	img, err := decodeImage("cut.jpg", data[:len(data)-2])
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 12, img.Bounds().Dy())

	_, err = decodeImage("junk.jpg", append(append([]byte(nil), jpegSOI...), "not a jpeg"...))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeRecoversJPEGCutInsideScan(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	noise := image.NewRGBA(image.Rect(0, 0, 64, 64))
	rng.Read(noise.Pix)
	for i := 3; i < len(noise.Pix); i += 4 {
		noise.Pix[i] = 255
	}
	data := jpegBytes(t, noise)

	for _, keep := range []float64{0.9, 0.5} {
		cut := data[:int(float64(len(data))*keep)]
		img, err := decodeImage("half.jpg", cut)
		require.NoError(t, err, "kept %.0f%%", keep*100)
		assert.Equal(t, image.Rect(0, 0, 64, 64), img.Bounds())
	}
}

func TestTransformShapes(t *testing.T) {
	tl := NewTransformLoader(84)
	plain := tl.Composed(false)
	assert.False(t, plain.Random())
	assert.Equal(t, [3]int{3, 96, 96}, plain.Shape())

	aug := tl.Composed(true)
	assert.True(t, aug.Random())
	assert.Equal(t, [3]int{3, 84, 84}, aug.Shape())

	src := solidImage(120, 50, red)
	rng := rand.New(rand.NewSource(3))
	assert.Len(t, plain.Apply(src, nil), 3*96*96)
	for range 10 {
		assert.Len(t, aug.Apply(src, rng), 3*84*84)
	}
}

func TestTransformNormalizesSolidImage(t *testing.T) {
	tl := NewTransformLoader(8)
	out := tl.Composed(false).Apply(solidImage(20, 20, red), nil)
	plane := 9 * 9
	want := [3]float64{
		(1 - 0.485) / 0.229,
		(0 - 0.456) / 0.224,
		(0 - 0.406) / 0.225,
	}
	for c := range 3 {
		for _, v := range out[c*plane : (c+1)*plane] {
			assert.InDelta(t, want[c], v, 1e-4)
		}
	}
}

func TestRandomHorizontalFlip(t *testing.T) {
	img := solidImage(3, 1, red)
	img.SetRGBA(0, 0, blue)
	flipped := randomHorizontalFlip(1)(img, rand.New(rand.NewSource(1)))
	assert.Equal(t, red, flipped.RGBAAt(0, 0))
	assert.Equal(t, blue, flipped.RGBAAt(2, 0))

	kept := randomHorizontalFlip(0)(flipped, rand.New(rand.NewSource(1)))
	assert.Equal(t, blue, kept.RGBAAt(2, 0))
}

func TestImageJitterIdentityAndGray(t *testing.T) {
	img := solidImage(4, 4, red)
	out := imageJitter(JitterParams{})(img, rand.New(rand.NewSource(1)))
	assert.Equal(t, red, out.RGBAAt(1, 1))

	// A full color reduction blends toward the grayscale image.
	gray := solidImage(2, 2, red)
	blendPixels(gray, 0, func(r, g, b uint8) color.RGBA {
		l := luma(r, g, b)
		return color.RGBA{R: l, G: l, B: l}
	})
	px := gray.RGBAAt(0, 0)
	assert.Equal(t, px.R, px.G)
	assert.Equal(t, px.G, px.B)
	assert.EqualValues(t, 76, px.R)
}

func TestRandomResizedCropFallsBackToCenterCrop(t *testing.T) {
	// An extreme aspect ratio makes every random draw miss.
	img := solidImage(200, 1, blue)
	out := randomResizedCrop(5, [2]float64{0.9, 1}, [2]float64{3.0 / 4.0, 4.0 / 3.0})(img, rand.New(rand.NewSource(1)))
	assert.Equal(t, 5, out.Bounds().Dx())
	assert.Equal(t, 5, out.Bounds().Dy())
	assert.Equal(t, blue, out.RGBAAt(2, 2))
	assert.False(t, math.IsNaN(meanLuma(out)))
}
