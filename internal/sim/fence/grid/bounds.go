package grid

// Bounds is an axis-aligned box in grid units. X,Y is the minimum cell.
type Bounds struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func BoundsOf(cells []Cell) Bounds {
	if len(cells) == 0 {
		return Bounds{}
	}
	minX, minY := cells[0].X, cells[0].Y
	maxX, maxY := minX, minY
	for _, c := range cells[1:] {
		if c.X < minX {
			minX = c.X
		}
		if c.X > maxX {
			maxX = c.X
		}
		if c.Y < minY {
			minY = c.Y
		}
		if c.Y > maxY {
			maxY = c.Y
		}
	}
	return Bounds{X: minX, Y: minY, W: maxX - minX + 1, H: maxY - minY + 1}
}

func (b Bounds) MaxX() int { return b.X + b.W - 1 }
func (b Bounds) MaxY() int { return b.Y + b.H - 1 }

func (b Bounds) Empty() bool { return b.W <= 0 || b.H <= 0 }

func (b Bounds) Contains(c Cell) bool {
	return c.X >= b.X && c.X <= b.MaxX() && c.Y >= b.Y && c.Y <= b.MaxY()
}

func (b Bounds) OnPerimeter(c Cell) bool {
	if !b.Contains(c) {
		return false
	}
	return c.X == b.X || c.X == b.MaxX() || c.Y == b.Y || c.Y == b.MaxY()
}

func (b Bounds) Interior(c Cell) bool {
	return b.Contains(c) && !b.OnPerimeter(c)
}

// PerimeterCells walks the border clockwise starting at the minimum corner:
// along the back row, down the right column, back along the front row and up
// the left column. Degenerate boxes (W or H of 1) list each cell once.
func (b Bounds) PerimeterCells() []Cell {
	if b.Empty() {
		return nil
	}
	if b.W == 1 || b.H == 1 {
		out := make([]Cell, 0, b.W*b.H)
		for y := b.Y; y <= b.MaxY(); y++ {
			for x := b.X; x <= b.MaxX(); x++ {
				out = append(out, Cell{X: x, Y: y})
			}
		}
		return out
	}
	out := make([]Cell, 0, 2*(b.W+b.H)-4)
	for x := b.X; x <= b.MaxX(); x++ {
		out = append(out, Cell{X: x, Y: b.Y})
	}
	for y := b.Y + 1; y <= b.MaxY(); y++ {
		out = append(out, Cell{X: b.MaxX(), Y: y})
	}
	for x := b.MaxX() - 1; x >= b.X; x-- {
		out = append(out, Cell{X: x, Y: b.MaxY()})
	}
	for y := b.MaxY() - 1; y > b.Y; y-- {
		out = append(out, Cell{X: b.X, Y: y})
	}
	return out
}
