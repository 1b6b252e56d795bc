package cache

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	_ "golang.org/x/image/webp"
)

// Image is a decoded raster. Format is the decoder name that produced it
// ("jpeg", "png", "gif", "webp") or "" for images built in memory.
type Image struct {
	image.Image
	Format string
}

// Cost is the pixel count, so memory limits for images are in pixels.
func (i *Image) Cost() int64 {
	if i == nil || i.Image == nil {
		return 0
	}
	b := i.Bounds()
	return int64(b.Dx()) * int64(b.Dy())
}

// ImageCodec decodes any registered image format and encodes JPEG or PNG.
type ImageCodec struct{}

func (ImageCodec) Decode(data []byte) (*Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &Image{Image: img, Format: format}, nil
}

func (ImageCodec) Encode(img *Image, format StorageFormat, quality int) ([]byte, error) {
	if img == nil || img.Image == nil {
		return nil, ErrUnencodable
	}
	var buf bytes.Buffer
	switch format {
	case FormatLossy:
		if err := jpeg.Encode(&buf, img.Image, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("cache: encode jpeg: %w", err)
		}
	case FormatLossless:
		if err := png.Encode(&buf, img.Image); err != nil {
			return nil, fmt.Errorf("cache: encode png: %w", err)
		}
	default:
		return nil, ErrUnencodable
	}
	return buf.Bytes(), nil
}
