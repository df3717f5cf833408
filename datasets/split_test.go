package datasets

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/fewshot/storage"
)

func newTestFolder(t *testing.T, store storage.Store, root string) *ImageFolder {
	t.Helper()
	reader, err := NewImageReader(store, NewTransformLoader(4).Composed(false), 0)
	require.NoError(t, err)
	f, err := NewImageFolder(context.Background(), reader, root)
	require.NoError(t, err)
	return f
}

func TestParseSplit(t *testing.T) {
	csv := "img_path,targets,extra\n" +
		"n02/b.jpg,33,x\n" +
		"n01/a.jpg, 4 ,y\n" +
		"n02/c.jpg,33,z\n"
	split, err := ParseSplit(strings.NewReader(csv), "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"n02/b.jpg", "n01/a.jpg", "n02/c.jpg"}, split.Paths)
	assert.Equal(t, []string{"33", "4", "33"}, split.Labels)
}

func TestParseSplitCustomColumns(t *testing.T) {
	csv := "File,Class\nx.png,cat\n"
	split, err := ParseSplit(strings.NewReader(csv), "file", "class")
	require.NoError(t, err)
	assert.Equal(t, 1, split.Len())
}

func TestParseSplitConfigurationErrors(t *testing.T) {
	cases := map[string]string{
		"missing label column": "img_path,other\na.jpg,1\n",
		"missing path column":  "path,targets\na.jpg,1\n",
		"empty file":           "",
		"no rows":              "img_path,targets\n",
		"empty label":          "img_path,targets\na.jpg,\n",
	}
	for name, csv := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSplit(strings.NewReader(csv), "", "")
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestLoadSplitMissingDescriptor(t *testing.T) {
	_, err := LoadSplit(filepath.Join(t.TempDir(), "nope.csv"), "", "")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestConstructSubsetRelabelsInSortedOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	base := newTestFolder(t, store, "")

	split := &SplitDescriptor{
		Paths:  []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg"},
		Labels: []string{"33", "4", "100", "4", "33"},
	}
	subset, err := ConstructSubset(base, split, "/val/")
	require.NoError(t, err)

	// Integer labels sort numerically, not lexically.
	assert.Equal(t, []string{"4", "33", "100"}, subset.Classes())
	assert.Equal(t, 3, subset.NumClasses())
	assert.Equal(t, 5, subset.Len())
	assert.Equal(t, Sample{Path: "val/a.jpg", Label: 1}, subset.Sample(0))
	assert.Equal(t, Sample{Path: "val/c.jpg", Label: 2}, subset.Sample(2))
	assert.Equal(t, 0, subset.Label(3))
	assert.Same(t, base, subset.Base())
}

func TestConstructSubsetIsIndependentOfRowOrder(t *testing.T) {
	base := newTestFolder(t, storage.NewMemoryStore(), "")
	forward := &SplitDescriptor{
		Paths:  []string{"1.jpg", "2.jpg", "3.jpg", "4.jpg"},
		Labels: []string{"zebra", "ant", "moth", "ant"},
	}
	reversed := &SplitDescriptor{
		Paths:  []string{"4.jpg", "3.jpg", "2.jpg", "1.jpg"},
		Labels: []string{"ant", "moth", "ant", "zebra"},
	}
	a, err := ConstructSubset(base, forward, "")
	require.NoError(t, err)
	b, err := ConstructSubset(base, reversed, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"ant", "moth", "zebra"}, a.Classes())
	assert.Equal(t, a.Classes(), b.Classes())

	ids := map[string]int{}
	for i := range a.Len() {
		ids[a.Sample(i).Path] = a.Label(i)
	}
	for i := range b.Len() {
		assert.Equal(t, ids[b.Sample(i).Path], b.Label(i))
	}
}

func TestConstructSubsetDoesNotTouchBase(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("train/x/1.png", pngBytes(t, solidImage(4, 4, blue)))
	store.Put("train/y/2.png", pngBytes(t, solidImage(4, 4, blue)))
	base := newTestFolder(t, store, "train")
	before := []RawSample{base.Sample(0), base.Sample(1)}

	_, err := ConstructSubset(base, &SplitDescriptor{Paths: []string{"q.png"}, Labels: []string{"z"}}, "val")
	require.NoError(t, err)
	assert.Equal(t, 2, base.Len())
	assert.Equal(t, before, []RawSample{base.Sample(0), base.Sample(1)})
	assert.Equal(t, []string{"x", "y"}, base.Classes())
}

func TestConstructSubsetMissingImageFailsOnLoad(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Put("val/a.png", pngBytes(t, solidImage(4, 4, blue)))
	base := newTestFolder(t, store, "")

	subset, err := ConstructSubset(base, &SplitDescriptor{
		Paths:  []string{"a.png", "gone.png"},
		Labels: []string{"1", "2"},
	}, "val")
	require.NoError(t, err, "missing files are only detected at load time")

	_, err = subset.Example(context.Background(), 0, nil)
	require.NoError(t, err)
	_, err = subset.Example(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestConstructSubsetRejectsBadInput(t *testing.T) {
	base := newTestFolder(t, storage.NewMemoryStore(), "")
	_, err := ConstructSubset(nil, &SplitDescriptor{Paths: []string{"a"}, Labels: []string{"1"}}, "")
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = ConstructSubset(base, &SplitDescriptor{}, "")
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = ConstructSubset(base, &SplitDescriptor{Paths: []string{"a"}}, "")
	assert.ErrorIs(t, err, ErrConfiguration)
}
