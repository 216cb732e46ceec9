package worker

import (
	"bytes"
	"fmt"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

const (
	PreviewKind = "preview"

	defaultPreviewWidth   = 800
	defaultPreviewQuality = 80
)

// ImageProcessor renders previews of scanned receipts entirely in memory; the
// plaintext never touches disk outside the vault.
type ImageProcessor struct {
	maxWidth int
	quality  int
}

func NewImageProcessor(maxWidth, quality int) *ImageProcessor {
	if maxWidth <= 0 {
		maxWidth = defaultPreviewWidth
	}
	if quality <= 0 || quality > 100 {
		quality = defaultPreviewQuality
	}
	return &ImageProcessor{maxWidth: maxWidth, quality: quality}
}

// Preview decodes data, downsizes it to the configured width keeping the
// aspect ratio, and re-encodes it as JPEG. Width and height are the originals.
func (ip *ImageProcessor) Preview(data []byte) (preview []byte, width, height int, err error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height = bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, 0, 0, fmt.Errorf("decode image: empty %dx%d image", width, height)
	}

	thumb := img
	if width > ip.maxWidth {
		thumb = imaging.Resize(img, ip.maxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(ip.quality)); err != nil {
		return nil, 0, 0, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), width, height, nil
}
