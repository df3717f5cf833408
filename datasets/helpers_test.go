package datasets

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/fewshot/storage"
)

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

// solidImage returns a w x h image filled with c.
func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// writeFile writes data at path, creating parent directories.
func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// writeCSV writes a CSV file with the given header and rows to path.
func writeCSV(t *testing.T, path, header string, rows []string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString(header + "\n")
	require.NoError(t, err)
	for _, r := range rows {
		_, err := f.WriteString(r + "\n")
		require.NoError(t, err)
	}
}

// countingStore counts Open calls on the wrapped store.
type countingStore struct {
	storage.Store
	opens atomic.Int64
}

func (s *countingStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	s.opens.Add(1)
	return s.Store.Open(ctx, key)
}

// mockSource is an in-memory SampleSource. Example returns the sample index
// as a one-value payload, after an optional per-class delay.
type mockSource struct {
	labels  []int
	classes int
	delay   map[int]time.Duration
	fail    map[int]error

	mu    sync.Mutex
	loads []int
}

func newMockSource(perClass []int) *mockSource {
	m := &mockSource{classes: len(perClass)}
	for cl, n := range perClass {
		for range n {
			m.labels = append(m.labels, cl)
		}
	}
	return m
}

func (m *mockSource) Len() int           { return len(m.labels) }
func (m *mockSource) NumClasses() int    { return m.classes }
func (m *mockSource) Label(i int) int    { return m.labels[i] }
func (m *mockSource) ImageShape() [3]int { return [3]int{1, 1, 1} }

func (m *mockSource) Example(ctx context.Context, i int, _ *rand.Rand) ([]float32, error) {
	label := m.labels[i]
	if d := m.delay[label]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := m.fail[label]; err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.loads = append(m.loads, i)
	m.mu.Unlock()
	return []float32{float32(i)}, nil
}
