package mathx

// FloorDiv rounds toward negative infinity, so world coordinates just left
// of or below the origin land in cell -1.
func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
