package datasets

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"k8s.io/klog/v2"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// decodeImage decodes an image payload. Truncated JPEG payloads get two more
// attempts: with the end-of-image marker restored, then with the missing
// scan data filled with zeros before the marker. Partially written files
// load with their tail blank instead of failing.
func decodeImage(key string, data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: empty payload: %w", key, ErrDecode)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	if bytes.HasPrefix(data, jpegSOI) && !bytes.HasSuffix(data, jpegEOI) {
		for _, fill := range []int{0, len(data)} {
			padded := make([]byte, len(data), len(data)+fill+len(jpegEOI))
			copy(padded, data)
			padded = append(padded, make([]byte, fill)...)
			padded = append(padded, jpegEOI...)
			if img, _, perr := image.Decode(bytes.NewReader(padded)); perr == nil {
				klog.Warningf("recovered truncated image %s (%d bytes, %d filler): %v", key, len(data), fill, err)
				return img, nil
			}
		}
	}
	return nil, fmt.Errorf("%s: %v: %w", key, err, ErrDecode)
}
