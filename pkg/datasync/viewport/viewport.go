// Package viewport maps a scroll position onto the index range a virtualized
// list must actually render.
package viewport

// Params describes one scroll sample over a fixed-height item list.
type Params struct {
	// ScrollOffset is the distance scrolled from the top, in pixels.
	ScrollOffset float64
	// ItemHeight is the fixed per-item height, in pixels. Must be > 0.
	ItemHeight float64
	// ViewportHeight is the visible region height, in pixels.
	ViewportHeight float64
	// TotalItems is the length of the backing list.
	TotalItems int
	// Overscan pads the visible range on both sides so fast scrolling does
	// not flash blank rows.
	Overscan int
}

// Window is the derived render range. It holds no state; recompute it on
// every scroll sample.
type Window struct {
	StartIndex  int
	EndIndex    int
	TotalHeight float64
	OffsetY     float64
}

// Compute derives the visible window. With no items the window is empty
// (StartIndex 0, EndIndex -1).
func Compute(p Params) Window {
	if p.TotalItems <= 0 || p.ItemHeight <= 0 {
		return Window{EndIndex: -1}
	}

	if p.ScrollOffset < 0 {
		p.ScrollOffset = 0
	}
	if p.Overscan < 0 {
		p.Overscan = 0
	}

	start := int(p.ScrollOffset/p.ItemHeight) - p.Overscan
	if start < 0 {
		start = 0
	}
	// Over-scrolled past the end: pin the window to the last item.
	if start > p.TotalItems-1 {
		start = p.TotalItems - 1
	}

	// ceil(bottom/itemHeight) counts visible rows; the last visible index is
	// one less.
	end := ceilDiv(p.ScrollOffset+p.ViewportHeight, p.ItemHeight) - 1 + p.Overscan
	if end > p.TotalItems-1 {
		end = p.TotalItems - 1
	}
	if end < start {
		end = start
	}

	return Window{
		StartIndex:  start,
		EndIndex:    end,
		TotalHeight: float64(p.TotalItems) * p.ItemHeight,
		OffsetY:     float64(start) * p.ItemHeight,
	}
}

func ceilDiv(a, b float64) int {
	n := int(a / b)
	if float64(n)*b < a {
		n++
	}
	return n
}
