// Package processor reads values out of parsed MTConnect documents.
//
// Information Hiding:
// - XML tree navigation hidden behind Header, Observations and Walk
// - Attribute parsing and validation hidden from the poll loop

package processor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/richinex/mtcollect/mtconnect"
)

// ErrMissingBound means a document lacks a usable firstSequence or
// lastSequence attribute.
var ErrMissingBound = errors.New("missing sequence bound")

// Header holds the buffer state an agent reports with every document.
type Header struct {
	InstanceID    string
	Sender        string
	CreationTime  time.Time
	BufferSize    uint64
	FirstSequence uint64
	LastSequence  uint64
	NextSequence  uint64
}

// ReadHeader reads the Header element of doc.
// firstSequence and lastSequence are required and must satisfy first <= last;
// the remaining attributes are optional.
func ReadHeader(doc *mtconnect.Document) (Header, error) {
	root := doc.Root()
	el := root.SelectElement("Header")
	if el == nil {
		el = root.FindElement(".//Header")
	}
	if el == nil {
		return Header{}, fmt.Errorf("%w: %s: no Header element", ErrMissingBound, doc.URL())
	}

	first, err := requiredUint(el, "firstSequence")
	if err != nil {
		return Header{}, fmt.Errorf("%w: %s: %w", ErrMissingBound, doc.URL(), err)
	}
	last, err := requiredUint(el, "lastSequence")
	if err != nil {
		return Header{}, fmt.Errorf("%w: %s: %w", ErrMissingBound, doc.URL(), err)
	}
	if first > last {
		return Header{}, fmt.Errorf("%w: %s: firstSequence %d exceeds lastSequence %d",
			ErrMissingBound, doc.URL(), first, last)
	}

	h := Header{
		InstanceID:    el.SelectAttrValue("instanceId", ""),
		Sender:        el.SelectAttrValue("sender", ""),
		FirstSequence: first,
		LastSequence:  last,
		BufferSize:    optionalUint(el, "bufferSize"),
		NextSequence:  optionalUint(el, "nextSequence"),
	}
	if ts := el.SelectAttrValue("creationTime", ""); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			h.CreationTime = t
		}
	}
	return h, nil
}

func requiredUint(el *etree.Element, key string) (uint64, error) {
	attr := el.SelectAttr(key)
	if attr == nil {
		return 0, fmt.Errorf("attribute %s not present", key)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(attr.Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s=%q: %w", key, attr.Value, err)
	}
	return v, nil
}

func optionalUint(el *etree.Element, key string) uint64 {
	v, err := strconv.ParseUint(el.SelectAttrValue(key, ""), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Walk visits root and every descendant element depth-first, in document
// order. A non-nil error from fn stops the walk and is returned.
func Walk(root *etree.Element, fn func(el *etree.Element, depth int) error) error {
	return walk(root, 0, fn)
}

func walk(el *etree.Element, depth int, fn func(*etree.Element, int) error) error {
	if err := fn(el, depth); err != nil {
		return err
	}
	for _, child := range el.ChildElements() {
		if err := walk(child, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Separator is written after each rendered document.
const Separator = "----------------------------------------"

// Render writes an indented listing of every element in doc: tag, attributes,
// and trimmed text value.
func Render(w io.Writer, doc *mtconnect.Document) error {
	bw := bufio.NewWriter(w)
	err := Walk(doc.Root(), func(el *etree.Element, depth int) error {
		var b strings.Builder
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(el.Tag)
		for _, a := range el.Attr {
			if a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns") {
				continue
			}
			fmt.Fprintf(&b, " %s=%s", a.Key, a.Value)
		}
		if text := strings.TrimSpace(el.Text()); text != "" {
			b.WriteString(": ")
			b.WriteString(text)
		}
		b.WriteByte('\n')
		_, err := bw.WriteString(b.String())
		return err
	})
	if err != nil {
		return err
	}
	if _, err := bw.WriteString(Separator + "\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// Processor reads the window bounds of fetched documents and optionally
// renders them. The zero value is not usable; use New.
type Processor struct {
	out    io.Writer
	logger *slog.Logger
}

// New creates a Processor. out receives rendered documents; pass nil to
// skip rendering.
func New(out io.Writer, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{out: out, logger: logger}
}

// Bounds returns the firstSequence and lastSequence of doc.
func (p *Processor) Bounds(doc *mtconnect.Document) (first, last uint64, err error) {
	h, err := ReadHeader(doc)
	if err != nil {
		return 0, 0, err
	}
	return h.FirstSequence, h.LastSequence, nil
}

// Process reads the header of doc, rendering it when an output writer is
// configured. Observations are not extracted; sinks that need them call
// Observations themselves.
func (p *Processor) Process(doc *mtconnect.Document) (Header, error) {
	h, err := ReadHeader(doc)
	if err != nil {
		return Header{}, err
	}

	p.logger.Debug("processed document",
		"url", doc.URL(),
		"first_sequence", h.FirstSequence,
		"last_sequence", h.LastSequence)

	if err := p.Print(doc); err != nil {
		return Header{}, err
	}
	return h, nil
}

// Print renders doc to the output writer. It is a no-op without one.
func (p *Processor) Print(doc *mtconnect.Document) error {
	if p.out == nil {
		return nil
	}
	if err := Render(p.out, doc); err != nil {
		return fmt.Errorf("failed to render document: %w", err)
	}
	return nil
}
