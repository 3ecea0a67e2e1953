package tracker

import (
	"fmt"
	"io"
)

// DefaultReportEvery is the interval between progress lines.
const DefaultReportEvery = 1000

// Report writes "<position> <last> dif: <difference>" to w when position is
// an exact multiple of every, and reports whether it did.
func Report(w io.Writer, position, last, every uint64) bool {
	if every == 0 || position%every != 0 {
		return false
	}
	fmt.Fprintf(w, "%d %d dif: %d\n", position, last, int64(last)-int64(position))
	return true
}
