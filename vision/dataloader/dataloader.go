package dataloader

import (
	"io"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-demoire/tensor"
	"github.com/tsawler/go-demoire/training"
	"github.com/tsawler/go-demoire/vision/dataset"
	"github.com/tsawler/go-demoire/vision/preprocessing"
)

// Dataset interface defines the contract for paired datasets
type Dataset interface {
	Len() int
	GetItem(index int) (dataset.Pair, error)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	DropLast     bool  // skip a trailing partial batch
	Seed         int64 // shuffle seed
	ImageSize    int   // square resize target, 0 keeps native sizes
	NumWorkers   int   // parallel decoders per batch
	MaxCacheSize int   // images kept by a private cache, ignored with CacheManager
	CacheManager *CacheManager
}

// DataLoader turns a paired dataset into NCHW batches of moire inputs and
// clean targets. It implements training.BatchSource.
type DataLoader struct {
	dataset  Dataset
	config   Config
	indices  []int
	position int
	rng      *rand.Rand
	mu       sync.Mutex

	cacheManager *CacheManager
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds Dataset, config Config) *DataLoader {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	cacheManager := config.CacheManager
	if cacheManager == nil {
		cacheManager = NewCacheManager(config.MaxCacheSize)
	}

	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:      ds,
		config:       config,
		indices:      indices,
		rng:          rand.New(rand.NewSource(config.Seed)),
		cacheManager: cacheManager,
	}
}

// Reset starts a new pass, reshuffling when enabled.
func (dl *DataLoader) Reset() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.config.Shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
	return nil
}

// Len is the number of batches in one pass.
func (dl *DataLoader) Len() int {
	n, b := len(dl.indices), dl.config.BatchSize
	if dl.config.DropLast {
		return n / b
	}
	return (n + b - 1) / b
}

// Next loads the next batch, or returns io.EOF when the pass is done.
func (dl *DataLoader) Next() (*training.Batch, error) {
	dl.mu.Lock()
	remaining := len(dl.indices) - dl.position
	size := dl.config.BatchSize
	if remaining < size {
		size = remaining
	}
	if size <= 0 || (dl.config.DropLast && size < dl.config.BatchSize) {
		dl.mu.Unlock()
		return nil, io.EOF
	}
	batchIndices := append([]int(nil), dl.indices[dl.position:dl.position+size]...)
	dl.position += size
	dl.mu.Unlock()

	return dl.loadBatch(batchIndices)
}

type loaded struct {
	moire, clean *preprocessing.ProcessedImage
	err          error
}

func (dl *DataLoader) loadBatch(indices []int) (*training.Batch, error) {
	results := make([]loaded, len(indices))

	jobs := make(chan int, len(indices))
	var wg sync.WaitGroup
	for w := 0; w < dl.config.NumWorkers && w < len(indices); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j] = dl.loadPair(indices[j])
			}
		}()
	}
	for j := range indices {
		jobs <- j
	}
	close(jobs)
	wg.Wait()

	first := results[0]
	if first.err != nil {
		return nil, first.err
	}
	c, h, w := first.moire.Channels, first.moire.Height, first.moire.Width
	size := c * h * w
	input := make([]float64, 0, len(indices)*size)
	target := make([]float64, 0, len(indices)*size)
	for j, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		for _, img := range []*preprocessing.ProcessedImage{r.moire, r.clean} {
			if img.Width != w || img.Height != h {
				return nil, errors.Wrapf(training.ErrShapeMismatch,
					"item %d is %dx%d, batch is %dx%d; set an image size to batch mixed resolutions", indices[j], img.Width, img.Height, w, h)
			}
		}
		input = append(input, r.moire.Data...)
		target = append(target, r.clean.Data...)
	}

	shape := []int{len(indices), c, h, w}
	inT, err := tensor.New(shape, input)
	if err != nil {
		return nil, err
	}
	tgtT, err := tensor.New(append([]int(nil), shape...), target)
	if err != nil {
		return nil, err
	}
	return &training.Batch{Input: inT, Targets: []*tensor.Tensor{tgtT}}, nil
}

func (dl *DataLoader) loadPair(index int) loaded {
	pair, err := dl.dataset.GetItem(index)
	if err != nil {
		return loaded{err: err}
	}
	moire, err := dl.loadImageWithCache(pair.Moire)
	if err != nil {
		return loaded{err: err}
	}
	clean, err := dl.loadImageWithCache(pair.Target)
	if err != nil {
		return loaded{err: err}
	}
	return loaded{moire: moire, clean: clean}
}

// loadImageWithCache loads an image with caching support. Cached images are
// shared and must not be modified.
func (dl *DataLoader) loadImageWithCache(path string) (*preprocessing.ProcessedImage, error) {
	if img, ok := dl.cacheManager.Get(path); ok {
		return img, nil
	}
	img, err := preprocessing.NewImageProcessor(dl.config.ImageSize).Load(path)
	if err != nil {
		return nil, err
	}
	dl.cacheManager.Put(path, img)
	return img, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cacheManager.Stats().String()
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
