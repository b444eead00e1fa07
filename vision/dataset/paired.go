package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoPairs is returned when a root directory holds no usable image pairs.
var ErrNoPairs = errors.New("no image pairs found")

// DefaultExtensions are the image types the preprocessing package decodes.
var DefaultExtensions = []string{".png", ".jpg", ".jpeg", ".bmp"}

// Layout names the on-disk arrangement of a paired dataset.
type Layout string

const (
	// LayoutSourceTarget keeps moire images in <root>/source and clean ones
	// in <root>/target, paired by file stem with any _source/_target suffix
	// dropped.
	LayoutSourceTarget Layout = "source_target"
	// LayoutFlat keeps both in one directory as <id>_moire.<ext> and
	// <id>_gt.<ext>.
	LayoutFlat Layout = "flat"
)

// Pair is one moire image and its clean counterpart.
type Pair struct {
	ID     string
	Moire  string
	Target string
}

// PairedImageDataset is an ordered list of moire/clean image pairs.
type PairedImageDataset struct {
	root   string
	layout Layout
	pairs  []Pair
}

// NewPairedImageDataset scans root, detecting the layout: a source
// subdirectory selects LayoutSourceTarget, anything else LayoutFlat. Files
// without a partner are skipped. Pairs are sorted by ID.
func NewPairedImageDataset(root string, extensions []string) (*PairedImageDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset root %s", root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("dataset root %s is not a directory", root)
	}

	d := &PairedImageDataset{root: root}
	if st, err := os.Stat(filepath.Join(root, "source")); err == nil && st.IsDir() {
		d.layout = LayoutSourceTarget
		d.pairs, err = scanSourceTarget(root, extensions)
		if err != nil {
			return nil, err
		}
	} else {
		d.layout = LayoutFlat
		d.pairs, err = scanFlat(root, extensions)
		if err != nil {
			return nil, err
		}
	}

	if len(d.pairs) == 0 {
		return nil, errors.Wrapf(ErrNoPairs, "in %s", root)
	}
	return d, nil
}

// listImages maps the stem of every image in dir to its path.
func listImages(dir string, extensions []string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}
	files := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if !hasExtension(ext, extensions) {
			continue
		}
		files[strings.TrimSuffix(e.Name(), ext)] = filepath.Join(dir, e.Name())
	}
	return files, nil
}

func hasExtension(ext string, extensions []string) bool {
	for _, want := range extensions {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}

func scanSourceTarget(root string, extensions []string) ([]Pair, error) {
	sources, err := listImages(filepath.Join(root, "source"), extensions)
	if err != nil {
		return nil, err
	}
	targets, err := listImages(filepath.Join(root, "target"), extensions)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]string, len(targets))
	for stem, path := range targets {
		byID[strings.TrimSuffix(stem, "_target")] = path
	}
	var pairs []Pair
	for stem, path := range sources {
		id := strings.TrimSuffix(stem, "_source")
		if target, ok := byID[id]; ok {
			pairs = append(pairs, Pair{ID: id, Moire: path, Target: target})
		}
	}
	sortPairs(pairs)
	return pairs, nil
}

func scanFlat(root string, extensions []string) ([]Pair, error) {
	files, err := listImages(root, extensions)
	if err != nil {
		return nil, err
	}
	var pairs []Pair
	for stem, path := range files {
		id, ok := strings.CutSuffix(stem, "_moire")
		if !ok {
			continue
		}
		if target, ok := files[id+"_gt"]; ok {
			pairs = append(pairs, Pair{ID: id, Moire: path, Target: target})
		}
	}
	sortPairs(pairs)
	return pairs, nil
}

func sortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ID < pairs[j].ID })
}

// Len returns the number of pairs in the dataset
func (d *PairedImageDataset) Len() int {
	return len(d.pairs)
}

// GetItem returns the pair at the given index
func (d *PairedImageDataset) GetItem(index int) (Pair, error) {
	if index < 0 || index >= len(d.pairs) {
		return Pair{}, errors.Errorf("index %d out of range [0, %d)", index, len(d.pairs))
	}
	return d.pairs[index], nil
}

func (d *PairedImageDataset) Layout() Layout { return d.layout }

// Split splits the dataset into two parts, the first holding trainRatio of
// the pairs. A non-nil rng shuffles before splitting.
func (d *PairedImageDataset) Split(trainRatio float64, rng *rand.Rand) (*PairedImageDataset, *PairedImageDataset) {
	n := len(d.pairs)
	trainSize := int(float64(n) * trainRatio)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}
	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:])
}

// Subset creates a subset of the dataset with the specified indices
func (d *PairedImageDataset) Subset(indices []int) *PairedImageDataset {
	subset := &PairedImageDataset{
		root:   d.root,
		layout: d.layout,
		pairs:  make([]Pair, len(indices)),
	}
	for i, idx := range indices {
		subset.pairs[i] = d.pairs[idx]
	}
	return subset
}

// String returns a string representation of the dataset
func (d *PairedImageDataset) String() string {
	return fmt.Sprintf("PairedImageDataset: %d pairs, %s layout, root %s", len(d.pairs), d.layout, d.root)
}
