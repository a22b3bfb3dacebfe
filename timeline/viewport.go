package timeline

// PiP constants: the secondary slot is a quarter of the parent in each
// dimension, inset 16 px from the bottom-right corner.
const (
	pipFraction = 4
	pipMargin   = 16
)

// layoutViewports resolves a layout descriptor to one viewport per listed
// slot, in slot order. Slots that do not fit the layout (grid overflow,
// pip beyond two) are dropped. An unknown mode degrades to focus.
func layoutViewports(l *Layout, parent Rect) []Rect {
	switch l.Mode {
	case LayoutGrid:
		return gridViewports(l, parent)
	case LayoutPiP:
		return pipViewports(l, parent)
	case LayoutSplit:
		return splitViewports(l, parent)
	default:
		return focusViewports(l, parent)
	}
}

func focusViewports(l *Layout, parent Rect) []Rect {
	out := make([]Rect, len(l.Slots))
	for i := range out {
		out[i] = parent
	}
	return out
}

func gridViewports(l *Layout, parent Rect) []Rect {
	cols := l.Columns
	if cols < 1 {
		cols = 1
	}
	rows := l.Rows
	if rows < 1 {
		rows = 1
	}

	padX := int(l.Padding * float64(parent.W))
	padY := int(l.Padding * float64(parent.H))
	gapX := int(l.Gap * float64(parent.W))
	gapY := int(l.Gap * float64(parent.H))

	cellW := (parent.W - 2*padX - (cols-1)*gapX) / cols
	cellH := (parent.H - 2*padY - (rows-1)*gapY) / rows

	var out []Rect
	for i := range l.Slots {
		if i >= cols*rows {
			break
		}
		col := i % cols
		row := i / cols
		out = append(out, Rect{
			X: parent.X + padX + col*(cellW+gapX),
			Y: parent.Y + padY + row*(cellH+gapY),
			W: cellW,
			H: cellH,
		})
	}
	return out
}

func pipViewports(l *Layout, parent Rect) []Rect {
	var out []Rect
	if len(l.Slots) > 0 {
		out = append(out, parent)
	}
	if len(l.Slots) > 1 {
		w := parent.W / pipFraction
		h := parent.H / pipFraction
		out = append(out, Rect{
			X: parent.X + parent.W - w - pipMargin,
			Y: parent.Y + parent.H - h - pipMargin,
			W: w,
			H: h,
		})
	}
	return out
}

func splitViewports(l *Layout, parent Rect) []Rect {
	n := len(l.Slots)
	if n == 0 {
		return nil
	}
	cellW := parent.W / n
	out := make([]Rect, n)
	for i := range out {
		w := cellW
		if i == n-1 {
			w = parent.W - cellW*(n-1)
		}
		out[i] = Rect{X: parent.X + i*cellW, Y: parent.Y, W: w, H: parent.H}
	}
	return out
}
