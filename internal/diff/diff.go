package diff

import (
	"github.com/pmezard/go-difflib/difflib"
)

// Op classifies how a run of tokens relates between the two versions.
type Op byte

const (
	OpEqual   Op = 'e'
	OpDelete  Op = 'd'
	OpInsert  Op = 'i'
	OpReplace Op = 'r'
)

func (o Op) String() string {
	switch o {
	case OpEqual:
		return "equal"
	case OpDelete:
		return "delete"
	case OpInsert:
		return "insert"
	case OpReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Opcode describes old[OldStart:OldEnd] -> new[NewStart:NewEnd].
type Opcode struct {
	Op       Op
	OldStart int
	OldEnd   int
	NewStart int
	NewEnd   int
}

// Opcodes aligns two token sequences. Auto-junk is disabled so frequent
// tokens such as single spaces still anchor matches in long texts and
// identical inputs always produce a single equal run.
func Opcodes(oldTokens, newTokens []string) []Opcode {
	m := difflib.NewMatcherWithJunk(oldTokens, newTokens, false, nil)
	codes := m.GetOpCodes()
	out := make([]Opcode, 0, len(codes))
	for _, c := range codes {
		out = append(out, Opcode{Op: Op(c.Tag), OldStart: c.I1, OldEnd: c.I2, NewStart: c.J1, NewEnd: c.J2})
	}
	return out
}

type SpanKind string

const (
	SpanUnchanged SpanKind = "unchanged"
	SpanDeleted   SpanKind = "deleted"
	SpanAdded     SpanKind = "added"
)

// Span is one token of the rendered diff.
type Span struct {
	Kind SpanKind `json:"kind"`
	Text string   `json:"text"`
}

// Spans returns the classified tokens of the diff between oldText and
// newText in left-to-right order. Replaced runs emit every deleted token
// before any added token.
func Spans(oldText, newText string) []Span {
	oldTokens := Tokenize(oldText)
	newTokens := Tokenize(newText)

	var spans []Span
	for _, c := range Opcodes(oldTokens, newTokens) {
		switch c.Op {
		case OpEqual:
			spans = appendSpans(spans, SpanUnchanged, oldTokens[c.OldStart:c.OldEnd])
		case OpDelete:
			spans = appendSpans(spans, SpanDeleted, oldTokens[c.OldStart:c.OldEnd])
		case OpInsert:
			spans = appendSpans(spans, SpanAdded, newTokens[c.NewStart:c.NewEnd])
		case OpReplace:
			spans = appendSpans(spans, SpanDeleted, oldTokens[c.OldStart:c.OldEnd])
			spans = appendSpans(spans, SpanAdded, newTokens[c.NewStart:c.NewEnd])
		}
	}
	return spans
}

func appendSpans(spans []Span, kind SpanKind, tokens []string) []Span {
	for _, t := range tokens {
		spans = append(spans, Span{Kind: kind, Text: t})
	}
	return spans
}
