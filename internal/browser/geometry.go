package browser

// PointFor maps a fractional position within the viewport to pixel
// coordinates, clamped so (1,1) lands on the last pixel instead of past it.
func PointFor(width, height int, fx, fy float64) (int, int) {
	return clampAxis(width, fx), clampAxis(height, fy)
}

func clampAxis(size int, f float64) int {
	if size <= 0 {
		return 0
	}
	v := int(float64(size) * f)
	if v < 0 {
		return 0
	}
	if v > size-1 {
		return size - 1
	}
	return v
}
