package sim

import (
	"fmt"
	"io"

	"amos/kernel/mm"
	"amos/kernel/mm/kheap"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"
)

const (
	framesPerRow = 64
	headerHeight = 20
	heapBarCells = 4
)

// frame cell colors
var (
	colorFree      = [3]float64{0.92, 0.92, 0.92}
	colorAllocated = [3]float64{0.35, 0.35, 0.45}
	colorHeapFrame = [3]float64{0.95, 0.55, 0.15}
	colorUsedBlock = [3]float64{0.80, 0.20, 0.20}
	colorFreeBlock = [3]float64{0.25, 0.70, 0.30}
)

// Render draws the frame bitmap (one cell per frame, 64 frames per row)
// followed by a bar that shows the heap blocks in address order, and writes
// the image as PNG to w.
func (m *Machine) Render(w io.Writer, cellSize int) error {
	dc, err := m.draw(cellSize)
	if err != nil {
		return err
	}
	return errors.Wrap(dc.EncodePNG(w), "sim: encode png")
}

// RenderPNG renders the machine state to the PNG file at path.
func (m *Machine) RenderPNG(path string, cellSize int) error {
	dc, err := m.draw(cellSize)
	if err != nil {
		return err
	}
	return errors.Wrapf(dc.SavePNG(path), "sim: save %s", path)
}

func (m *Machine) draw(cellSize int) (*gg.Context, error) {
	if cellSize <= 0 {
		return nil, errors.Errorf("sim: invalid cell size %d", cellSize)
	}
	if m.halted {
		return nil, ErrHalted
	}

	total := int(m.Memory.Frames.TotalFrames())
	bitmap := make([]byte, m.Memory.Frames.BitmapSize())
	m.Memory.Frames.Snapshot(bitmap)

	heapFrames := make(map[mm.Frame]bool)
	bottom, top := m.Memory.Heap.Bounds()
	for addr := bottom; addr < top; addr += mm.PageSize {
		if frame, _, ok := m.pages.Lookup(mm.PageFromAddress(addr)); ok {
			heapFrames[frame] = true
		}
	}

	var blocks []kheap.Block
	if kerr := m.Memory.Heap.VisitBlocks(func(b kheap.Block) bool {
		blocks = append(blocks, b)
		return true
	}); kerr != nil {
		return nil, errors.Wrap(kerr, "sim: walk heap")
	}

	rows := (total + framesPerRow - 1) / framesPerRow
	width := framesPerRow * cellSize
	gridTop := headerHeight
	barTop := gridTop + rows*cellSize + cellSize
	height := barTop + heapBarCells*cellSize + cellSize

	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	dc.SetRGB(0, 0, 0)
	dc.DrawString(fmt.Sprintf("frames %d/%d free, heap %d bytes in %d blocks",
		m.Memory.Frames.FreeFrames(), total, top-bottom, len(blocks)), 2, headerHeight-6)

	for f := 0; f < total; f++ {
		c := colorFree
		switch {
		case heapFrames[mm.Frame(f)]:
			c = colorHeapFrame
		case bitmap[f>>3]&(1<<(f&7)) != 0:
			c = colorAllocated
		}

		dc.SetRGB(c[0], c[1], c[2])
		dc.DrawRectangle(float64(f%framesPerRow*cellSize), float64(gridTop+f/framesPerRow*cellSize), float64(cellSize), float64(cellSize))
		dc.Fill()
	}

	if heapSize := top - bottom; heapSize != 0 {
		scale := float64(width) / float64(heapSize)
		for _, b := range blocks {
			c := colorFreeBlock
			if b.Used {
				c = colorUsedBlock
			}

			// each block spans from its header to the next block
			start := b.Addr - bottom - kheap.BlockOverhead
			span := b.Capacity + kheap.BlockOverhead
			dc.SetRGB(c[0], c[1], c[2])
			dc.DrawRectangle(float64(start)*scale, float64(barTop), float64(span)*scale, float64(heapBarCells*cellSize))
			dc.Fill()

			dc.SetRGB(1, 1, 1)
			dc.DrawLine(float64(start)*scale, float64(barTop), float64(start)*scale, float64(barTop+heapBarCells*cellSize))
			dc.Stroke()
		}
	}

	return dc, nil
}
