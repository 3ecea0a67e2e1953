// Package sink persists fetched slices.
//
// Information Hiding:
// - File naming, compression and atomic replacement hidden in File
// - Line-protocol point construction hidden in Influx
// - Fan-out ordering hidden in Multi

package sink

import (
	"context"
	"fmt"

	"github.com/richinex/mtcollect/mtconnect"
)

// Sink persists one slice keyed by the sequence number it was fetched at.
type Sink interface {
	Persist(ctx context.Context, seq uint64, doc *mtconnect.Document) error
}

// Multi persists to each sink in order and stops at the first error.
type Multi []Sink

// Persist implements Sink.
func (m Multi) Persist(ctx context.Context, seq uint64, doc *mtconnect.Document) error {
	for i, s := range m {
		if err := s.Persist(ctx, seq, doc); err != nil {
			return fmt.Errorf("sink %d: %w", i, err)
		}
	}
	return nil
}

// Verify implementations satisfy Sink
var (
	_ Sink = Multi(nil)
	_ Sink = (*File)(nil)
	_ Sink = (*Influx)(nil)
)
