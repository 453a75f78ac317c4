package imgproc

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"

	"WaffleDeploy/monitor"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

var ErrDecode = errors.New("cannot decode image")

// Decoder loads one image file and turns it into a model-ready tensor.
type Decoder interface {
	Decode(path string, target Size, letterBox bool) (Tensor, Meta, error)
}

// NativeDecoder decodes with the Go image packages, which already yield RGB.
type NativeDecoder struct{}

func (NativeDecoder) Decode(path string, target Size, letterBox bool) (Tensor, Meta, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return Tensor{}, Meta{}, fmt.Errorf("%w: %s: %w", ErrDecode, path, err)
	}
	out, g, err := Letterbox(img, target, letterBox)
	if err != nil {
		return Tensor{}, Meta{}, fmt.Errorf("%s: %w", path, err)
	}
	return FromNRGBA(out), g.Meta(), nil
}

type DatasetOptions struct {
	Dir       string
	Recursive bool
	ImageSize Size
	LetterBox bool
}

type Item struct {
	Index int
	Path  string
	Image Tensor
	Meta  Meta
}

// Batch holds consecutive items; Images is (B, 3, H, W) and Metas/Paths keep
// the same order.
type Batch struct {
	Index  int
	Paths  []string
	Images Tensor
	Metas  []Meta
}

func (b *Batch) Len() int {
	return len(b.Metas)
}

// Dataset is an ordered, read-only list of image files.
type Dataset struct {
	paths     []string
	size      Size
	letterBox bool
	decoder   Decoder
}

func NewDataset(opts DatasetOptions, dec Decoder) (*Dataset, error) {
	paths, err := FindImages(opts.Dir, opts.Recursive)
	if err != nil {
		return nil, err
	}
	return NewDatasetFromPaths(paths, opts.ImageSize, opts.LetterBox, dec)
}

func NewDatasetFromPaths(paths []string, size Size, letterBox bool, dec Decoder) (*Dataset, error) {
	if !size.Valid() {
		return nil, fmt.Errorf("%w: image size %s", ErrInvalidSize, size)
	}
	if dec == nil {
		dec = NativeDecoder{}
	}
	return &Dataset{
		paths:     slices.Clone(paths),
		size:      size,
		letterBox: letterBox,
		decoder:   dec,
	}, nil
}

func (d *Dataset) Len() int {
	return len(d.paths)
}

func (d *Dataset) Path(i int) string {
	return d.paths[i]
}

func (d *Dataset) Paths() []string {
	return slices.Clone(d.paths)
}

func (d *Dataset) ImageSize() Size {
	return d.size
}

func (d *Dataset) Item(i int) (Item, error) {
	if i < 0 || i >= len(d.paths) {
		return Item{}, fmt.Errorf("index %d out of range [0, %d)", i, len(d.paths))
	}
	img, meta, err := d.decoder.Decode(d.paths[i], d.size, d.letterBox)
	if err != nil {
		monitor.DecodeErrors.Inc()
		return Item{}, fmt.Errorf("item %d: %w", i, err)
	}
	monitor.ImagesDecoded.Inc()
	return Item{Index: i, Path: d.paths[i], Image: img, Meta: meta}, nil
}

func (d *Dataset) NumBatches(batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return (len(d.paths) + batchSize - 1) / batchSize
}

// Batches yields the dataset in order, batchSize items at a time; the last
// batch may be smaller. Items in a batch are decoded by up to workers
// goroutines. Production stops at the first error, which is yielded once.
// Ranging over the returned sequence again starts from the beginning.
func (d *Dataset) Batches(ctx context.Context, batchSize, workers int) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		if batchSize <= 0 {
			yield(nil, fmt.Errorf("batch size must be positive, got %d", batchSize))
			return
		}
		for idx, start := 0, 0; start < len(d.paths); idx, start = idx+1, start+batchSize {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			b, err := d.loadBatch(ctx, idx, start, min(start+batchSize, len(d.paths)), workers)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

func (d *Dataset) loadBatch(ctx context.Context, idx, start, end, workers int) (*Batch, error) {
	items := make([]Item, end-start)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i := start; i < end; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			item, err := d.Item(i)
			if err != nil {
				return err
			}
			items[i-start] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	b := &Batch{
		Index: idx,
		Paths: make([]string, len(items)),
		Metas: make([]Meta, len(items)),
	}
	images := make([]Tensor, len(items))
	for i, it := range items {
		b.Paths[i] = it.Path
		b.Metas[i] = it.Meta
		images[i] = it.Image
	}
	stacked, err := Stack(images)
	if err != nil {
		return nil, fmt.Errorf("batch %d: %w", idx, err)
	}
	b.Images = stacked
	monitor.BatchesProduced.Inc()
	return b, nil
}
