package tracker

import (
	"context"

	"github.com/richinex/mtcollect/mtconnect"
	"github.com/richinex/mtcollect/processor"
)

// Stage processes one fetched slice and returns the window to use for the
// termination check. It is the only thing that differs between modes.
type Stage func(ctx context.Context, doc *mtconnect.Document, held Window) (Window, error)

// TraverseStage leaves the held window untouched.
func TraverseStage(_ context.Context, _ *mtconnect.Document, held Window) (Window, error) {
	return held, nil
}

// ParseStage processes each slice with p and re-reads the window from it.
func ParseStage(p *processor.Processor) Stage {
	return func(_ context.Context, doc *mtconnect.Document, _ Window) (Window, error) {
		h, err := p.Process(doc)
		if err != nil {
			return Window{}, err
		}
		return Window{First: h.FirstSequence, Last: h.LastSequence}, nil
	}
}

// StageFor returns the default stage for mode.
func StageFor(mode Mode, p *processor.Processor) Stage {
	if mode == ModeTraverse {
		return TraverseStage
	}
	return ParseStage(p)
}
