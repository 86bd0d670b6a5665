// Package document holds the authoritative text of one shared document and
// the stores that persist snapshots of it.
//
// A Document is not safe for concurrent use. The server's authority owns
// every Document and is the only goroutine that touches one.
package document

import (
	"unicode/utf8"
)

// Document is a named text with a version that grows by one per mutation.
type Document struct {
	name    string
	text    []rune
	version uint32
}

// Edit describes a mutation after clamping.
type Edit struct {
	Version uint32
	Cursor  uint32
	// Length is the number of runes inserted or removed.
	Length uint32
	// Text is the inserted text; empty for removals.
	Text string
	// Clamped is set when the requested cursor or length did not fit.
	Clamped bool
}

// New creates a document at version 0 holding text.
func New(name, text string) *Document {
	return &Document{name: name, text: []rune(text)}
}

// NewAt creates a document holding text that has already seen version
// mutations.
func NewAt(name, text string, version uint32) *Document {
	return &Document{name: name, text: []rune(text), version: version}
}

// Clone returns an independent copy.
func (d *Document) Clone() *Document {
	return &Document{name: d.name, text: append([]rune(nil), d.text...), version: d.version}
}

// Name returns the document name.
func (d *Document) Name() string { return d.name }

// Text returns the current text.
func (d *Document) Text() string { return string(d.text) }

// Len returns the text length in runes.
func (d *Document) Len() int { return len(d.text) }

// Version returns the number of mutations applied so far.
func (d *Document) Version() uint32 { return d.version }

// Insert places text before the rune at cursor. A cursor past the end is
// clamped to the end. Inserting nothing is not a mutation and reports ok
// false.
func (d *Document) Insert(cursor uint32, text string) (e Edit, ok bool) {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return Edit{}, false
	}

	pos := int(cursor)
	if pos > len(d.text) {
		pos = len(d.text)
		e.Clamped = true
	}

	ins := []rune(text)
	out := make([]rune, 0, len(d.text)+n)
	out = append(out, d.text[:pos]...)
	out = append(out, ins...)
	d.text = append(out, d.text[pos:]...)
	d.version++

	e.Version = d.version
	e.Cursor = uint32(pos)
	e.Length = uint32(n)
	e.Text = text
	return e, true
}

// Remove deletes length runes starting at cursor. The range is clamped to
// the text. When nothing remains to remove it reports ok false.
func (d *Document) Remove(cursor, length uint32) (e Edit, ok bool) {
	size := len(d.text)
	start, n := int(cursor), int(length)
	if start > size {
		start = size
		e.Clamped = true
	}
	if n > size-start {
		n = size - start
		e.Clamped = true
	}
	if n == 0 {
		return Edit{Clamped: e.Clamped}, false
	}

	d.text = append(d.text[:start:start], d.text[start+n:]...)
	d.version++

	e.Version = d.version
	e.Cursor = uint32(start)
	e.Length = uint32(n)
	return e, true
}

// Info is a read-only summary of a document.
type Info struct {
	Name        string `json:"name"`
	Version     uint32 `json:"version"`
	Length      int    `json:"length"`
	Subscribers int    `json:"subscribers"`
}
