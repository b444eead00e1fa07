package preprocessing

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// Channels is the number of color channels produced by the processor.
const Channels = 3

// ImageProcessor decodes images, scales them to a square target size and
// converts them to normalized CHW float data. The scaling buffer is reused
// across calls.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	targetSize      int
}

// NewImageProcessor creates a new image processor with the specified
// target size. A size of zero keeps each image at its native resolution.
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// ProcessedImage represents a preprocessed image ready for network input.
type ProcessedImage struct {
	Data     []float64 // CHW, values in [-1, 1]
	Width    int
	Height   int
	Channels int
}

// Normalize maps an 8-bit value to [-1, 1].
func Normalize(v uint8) float64 {
	return (float64(v)/255.0 - 0.5) / 0.5
}

// DecodeAndPreprocess decodes a PNG, JPEG or BMP image and preprocesses it.
// Returns data in CHW format (channels, height, width) normalized to [-1, 1].
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if p.targetSize > 0 {
		width, height = p.targetSize, p.targetSize
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempImageBuffer == nil || p.tempImageBuffer.Bounds().Dx() != width || p.tempImageBuffer.Bounds().Dy() != height {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, width, height))
	}
	dst := p.tempImageBuffer
	if width == bounds.Dx() && height == bounds.Dy() {
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	} else {
		draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	}

	plane := width * height
	data := make([]float64, Channels*plane)
	for y := 0; y < height; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+width*4]
		for x := 0; x < width; x++ {
			idx := y*width + x
			data[0*plane+idx] = Normalize(row[x*4+0]) // R channel
			data[1*plane+idx] = Normalize(row[x*4+1]) // G channel
			data[2*plane+idx] = Normalize(row[x*4+2]) // B channel
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    width,
		Height:   height,
		Channels: Channels,
	}, nil
}

// Load opens and preprocesses the image at path.
func (p *ImageProcessor) Load(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer file.Close()

	img, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return img, nil
}

// PreprocessBatch preprocesses multiple images concurrently
func PreprocessBatch(imagePaths []string, targetSize int, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize)
			for j := range jobs {
				results[j.index], errs[j.index] = processor.Load(j.path)
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to process image %d", i)
		}
	}
	return results, nil
}
