package imageutil

import (
	"image"
	"image/color"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tryon/internal/analysis"
)

func writeTestImage(t *testing.T, dir, name string, width, height int) string {
	t.Helper()
	img := imaging.New(width, height, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	path := filepath.Join(dir, name)
	require.NoError(t, imaging.Save(img, path))
	return path
}

func TestDimensions(t *testing.T) {
	path := writeTestImage(t, t.TempDir(), "person.png", 640, 480)

	w, h, err := Dimensions(path)
	require.NoError(t, err)
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)
}

func TestDimensionsMissingFile(t *testing.T) {
	_, _, err := Dimensions(filepath.Join(t.TempDir(), "nope.png"))
	assert.Error(t, err)
}

func TestCropRegionExactPixels(t *testing.T) {
	path := writeTestImage(t, t.TempDir(), "subject.jpg", 1000, 800)

	crop, err := CropRegion(path, analysis.Box{X1: 0.1, Y1: 0.25, X2: 0.6, Y2: 0.75})
	require.NoError(t, err)
	assert.Equal(t, 500, crop.Bounds().Dx())
	assert.Equal(t, 400, crop.Bounds().Dy())
}

func TestCropRegionUpscalesSmallCrop(t *testing.T) {
	path := writeTestImage(t, t.TempDir(), "subject.png", 100, 100)

	crop, err := CropRegion(path, analysis.Box{X1: 0, Y1: 0, X2: 0.5, Y2: 0.5})
	require.NoError(t, err)
	// 50x50 crop is below the minimum edge and must be upscaled uniformly.
	assert.Equal(t, MinCropEdge, crop.Bounds().Dx())
	assert.Equal(t, MinCropEdge, crop.Bounds().Dy())
}

func TestCropRegionUpscaleKeepsAspect(t *testing.T) {
	path := writeTestImage(t, t.TempDir(), "subject.png", 200, 100)

	crop, err := CropRegion(path, analysis.Box{X1: 0, Y1: 0, X2: 1, Y2: 1})
	require.NoError(t, err)
	assert.Equal(t, MinCropEdge, crop.Bounds().Dy())
	assert.Equal(t, 2*MinCropEdge, crop.Bounds().Dx())
}

func TestCropRegionMissingSource(t *testing.T) {
	_, err := CropRegion(filepath.Join(t.TempDir(), "gone.png"), analysis.Box{X1: 0, Y1: 0, X2: 1, Y2: 1})
	assert.Error(t, err)
}

func TestDetailPath(t *testing.T) {
	assert.Equal(t, "/tasks/abc/subject_detail.png", DetailPath("/tasks/abc/subject.png"))
	assert.Equal(t, "photo_detail.jpeg", DetailPath("photo.jpeg"))
	assert.Equal(t, "noext_detail", DetailPath("noext"))
}

func TestSaveImageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	img := imaging.New(32, 16, color.NRGBA{A: 255})
	path := filepath.Join(dir, "out.png")

	require.NoError(t, SaveImage(img, path))
	w, h, err := Dimensions(path)
	require.NoError(t, err)
	assert.Equal(t, 32, w)
	assert.Equal(t, 16, h)
}

func TestEncodeDataURI(t *testing.T) {
	dir := t.TempDir()
	jpg := writeTestImage(t, dir, "a.jpg", 8, 8)
	png := writeTestImage(t, dir, "b.png", 8, 8)

	uri, err := EncodeDataURI(jpg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/jpeg;base64,"))

	uri, err = EncodeDataURI(png)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))
}

func TestEncodeImageDataURI(t *testing.T) {
	var img image.Image = imaging.New(4, 4, color.NRGBA{A: 255})
	uri, err := EncodeImageDataURI(img)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))
}
