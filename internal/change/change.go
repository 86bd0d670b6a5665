// Package change implements the Insert/Delete text primitives and the rebase
// rules used by clients to keep unacknowledged local edits meaningful after a
// remote edit has been applied first.
//
// Positions count Unicode scalar values. A Delete covers [Start, End]
// inclusive.
package change

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrOutOfRange is returned when a change does not fit the text it is applied to.
var ErrOutOfRange = errors.New("change: position out of range")

// Change is one edit to a text.
type Change interface {
	// Apply returns text with the change applied. text is not modified.
	Apply(text []rune) ([]rune, error)

	// Rebase transforms the receiver so that applying other and then the
	// result matches the receiver's intent. The result holds zero, one or two
	// changes, to be applied in order.
	Rebase(other Change) []Change
}

// Insert places Text before the rune at Pos.
type Insert struct {
	Pos  int
	Text string
}

// Delete removes the runes Start through End inclusive.
type Delete struct {
	Start int
	End   int
}

// Len returns the number of runes inserted.
func (c Insert) Len() int {
	return utf8.RuneCountInString(c.Text)
}

// Len returns the number of runes removed.
func (c Delete) Len() int {
	return c.End - c.Start + 1
}

func (c Insert) String() string { return fmt.Sprintf("insert(%d,%q)", c.Pos, c.Text) }
func (c Delete) String() string { return fmt.Sprintf("delete(%d..%d)", c.Start, c.End) }

// Apply implements Change.
func (c Insert) Apply(text []rune) ([]rune, error) {
	if c.Pos < 0 || c.Pos > len(text) {
		return nil, fmt.Errorf("%w: insert at %d in text of %d", ErrOutOfRange, c.Pos, len(text))
	}
	ins := []rune(c.Text)
	out := make([]rune, 0, len(text)+len(ins))
	out = append(out, text[:c.Pos]...)
	out = append(out, ins...)
	return append(out, text[c.Pos:]...), nil
}

// Apply implements Change.
func (c Delete) Apply(text []rune) ([]rune, error) {
	if c.Start < 0 || c.Start > c.End || c.End >= len(text) {
		return nil, fmt.Errorf("%w: delete %d..%d in text of %d", ErrOutOfRange, c.Start, c.End, len(text))
	}
	out := make([]rune, 0, len(text)-c.Len())
	out = append(out, text[:c.Start]...)
	return append(out, text[c.End+1:]...), nil
}

// Rebase implements Change.
func (c Insert) Rebase(other Change) []Change {
	switch o := other.(type) {
	case Insert:
		// Ties go to the change that was applied first.
		if o.Pos <= c.Pos {
			c.Pos += o.Len()
		}
	case Delete:
		switch {
		case c.Pos > o.End:
			c.Pos -= o.Len()
		case c.Pos > o.Start:
			c.Pos = o.Start
		}
	}
	return []Change{c}
}

// Rebase implements Change.
func (c Delete) Rebase(other Change) []Change {
	switch o := other.(type) {
	case Insert:
		n := o.Len()
		switch {
		case n == 0 || o.Pos > c.End:
		case o.Pos <= c.Start:
			c.Start += n
			c.End += n
		default:
			// The insertion lands inside the range. The upper half comes first
			// so the lower half's positions stay valid.
			upper := Delete{Start: o.Pos + n, End: c.End + n}
			lower := Delete{Start: c.Start, End: o.Pos - 1}
			return []Change{upper, lower}
		}
	case Delete:
		n := o.Len()
		switch {
		case o.Start > c.End:
			// Entirely after.
		case o.End < c.Start:
			c.Start -= n
			c.End -= n
		case o.Start <= c.Start && o.End >= c.End:
			// Already removed.
			return nil
		case o.Start >= c.Start && o.End <= c.End:
			c.End -= n
		case o.Start < c.Start:
			// Overlaps the front of the range.
			c.End -= n
			c.Start = o.Start
		default:
			// Overlaps the back of the range.
			c.End = o.Start - 1
		}
	}
	return []Change{c}
}

// ApplyAll applies changes in order.
func ApplyAll(text []rune, changes ...Change) ([]rune, error) {
	var err error
	for _, c := range changes {
		if text, err = c.Apply(text); err != nil {
			return nil, err
		}
	}
	return text, nil
}

// ApplyString is ApplyAll over a string.
func ApplyString(text string, changes ...Change) (string, error) {
	out, err := ApplyAll([]rune(text), changes...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// RebaseAll rebases every change in cs, a sequence, against other.
func RebaseAll(cs []Change, other Change) []Change {
	out, _ := Transform(cs, []Change{other})
	return out
}

// Transform takes two sequences a and b that start from the same text and
// returns a' and b' such that applying b then a' and applying a then b'
// express the same intentions.
func Transform(a, b []Change) (ap, bp []Change) {
	switch {
	case len(a) == 0 || len(b) == 0:
		return a, b
	case len(a) == 1 && len(b) == 1:
		return a[0].Rebase(b[0]), b[0].Rebase(a[0])
	case len(a) > 1:
		head, b1 := Transform(a[:1], b)
		tail, b2 := Transform(a[1:], b1)
		return append(head, tail...), b2
	default:
		a1, head := Transform(a, b[:1])
		a2, tail := Transform(a1, b[1:])
		return a2, append(head, tail...)
	}
}
