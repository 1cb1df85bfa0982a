package raster

// ProgressFunc reports the completed fraction of a long computation.
// Returning false cancels it with ErrUserCancelled.
type ProgressFunc func(complete float64, message string) bool

// report calls p and converts a cancellation into an error.
func (b *Band) report(op string, p ProgressFunc, complete float64) error {
	if p == nil || p(complete, "") {
		return nil
	}
	return b.fail(op, ErrUserCancelled, "interrupted at %.0f%%", complete*100)
}
