package imageutil

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"tryon/internal/analysis"
)

// MinCropEdge is the smallest edge the generation service accepts for an
// input image; crops below it are upscaled.
const MinCropEdge = 384

// MaxInputEdge is the largest edge the generation service accepts; larger
// inputs are downscaled to fit before submission.
const MaxInputEdge = 5000

// Dimensions returns the pixel width and height of the image at path.
func Dimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open image %s: %w", path, err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode image %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

// CropRegion cuts the normalized box out of the image at srcPath. When the
// resulting crop's shorter side is below MinCropEdge it is upscaled
// uniformly with Lanczos resampling so the generation service will accept
// it.
func CropRegion(srcPath string, box analysis.Box) (image.Image, error) {
	src, err := imaging.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", srcPath, err)
	}

	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	rect := image.Rect(
		int(box.X1*float64(width)),
		int(box.Y1*float64(height)),
		int(box.X2*float64(width)),
		int(box.Y2*float64(height)),
	)
	cropped := imaging.Crop(src, rect)

	cw := cropped.Bounds().Dx()
	ch := cropped.Bounds().Dy()
	if cw <= 0 || ch <= 0 {
		return nil, fmt.Errorf("crop region of %s is empty", srcPath)
	}

	shorter := cw
	if ch < shorter {
		shorter = ch
	}
	if shorter < MinCropEdge {
		scale := float64(MinCropEdge) / float64(shorter)
		cropped = imaging.Resize(cropped,
			int(float64(cw)*scale+0.5),
			int(float64(ch)*scale+0.5),
			imaging.Lanczos)
	}
	return cropped, nil
}

// DetailPath derives the filename used to persist a cropped detail region
// next to its source image: stem plus a "_detail" suffix, same extension.
func DetailPath(srcPath string) string {
	ext := filepath.Ext(srcPath)
	stem := strings.TrimSuffix(srcPath, ext)
	return stem + "_detail" + ext
}

// SaveImage writes img to path, with the encoding chosen from the extension.
func SaveImage(img image.Image, path string) error {
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("save image %s: %w", path, err)
	}
	return nil
}

// EncodeDataURI reads the image at path and returns it as a base64 data URI
// of the form the remote services expect for inline images.
func EncodeDataURI(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image %s: %w", path, err)
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeForExt(filepath.Ext(path)),
		base64.StdEncoding.EncodeToString(data)), nil
}

// EncodeDataURIBounded is EncodeDataURI with a size bound: when either edge
// of the image exceeds maxEdge the image is downscaled to fit (preserving
// aspect ratio) and re-encoded as PNG.
func EncodeDataURIBounded(path string, maxEdge int) (string, error) {
	w, h, err := Dimensions(path)
	if err != nil {
		return "", err
	}
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return EncodeDataURI(path)
	}

	src, err := imaging.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image %s: %w", path, err)
	}
	return EncodeImageDataURI(imaging.Fit(src, maxEdge, maxEdge, imaging.Lanczos))
}

// EncodeImageDataURI encodes an in-memory image as a PNG data URI.
func EncodeImageDataURI(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func mimeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
