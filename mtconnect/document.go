// Package mtconnect fetches and parses documents from an MTConnect agent.
//
// Information Hiding:
// - HTTP connection handling hidden behind Client
// - XML parsing library hidden behind Document
// - Agent error documents surfaced as ErrMalformedDocument

package mtconnect

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// errorDocumentTag is the root element an agent returns instead of a
// Streams document when it rejects a request.
const errorDocumentTag = "MTConnectError"

// Document is one parsed response from the agent.
// It is immutable after Parse and is superseded by the next fetch.
type Document struct {
	url  string
	raw  []byte
	tree *etree.Document
}

// Parse builds a Document from a response body.
// Returns ErrMalformedDocument if the body is empty, is not XML, or is an
// agent error document.
func Parse(url string, raw []byte) (*Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: %s: empty body", ErrMalformedDocument, url)
	}

	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedDocument, url, err)
	}

	root := tree.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: %s: no root element", ErrMalformedDocument, url)
	}

	if root.Tag == errorDocumentTag {
		return nil, fmt.Errorf("%w: %s: agent error: %s", ErrMalformedDocument, url, describeAgentError(root))
	}

	return &Document{url: url, raw: raw, tree: tree}, nil
}

// describeAgentError extracts "<errorCode>: <message>" from an error document.
func describeAgentError(root *etree.Element) string {
	el := root.FindElement(".//Error")
	if el == nil {
		return "unspecified"
	}
	code := el.SelectAttrValue("errorCode", "UNKNOWN")
	msg := strings.TrimSpace(el.Text())
	if msg == "" {
		return code
	}
	return code + ": " + msg
}

// URL returns the address the document was fetched from.
func (d *Document) URL() string {
	return d.url
}

// Bytes returns the raw payload. Callers must not modify it.
func (d *Document) Bytes() []byte {
	return d.raw
}

// Size returns the payload length in bytes.
func (d *Document) Size() int {
	return len(d.raw)
}

// Root returns the document's root element.
func (d *Document) Root() *etree.Element {
	return d.tree.Root()
}
