package cem

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the payload of a [Value].
type Kind uint8

const (
	KindNil Kind = iota
	KindInt
	KindBool
	KindString
	KindQuote
	KindVariant
)

// kindFrame marks the hidden call-frame cells spliced into the stack by
// Stack.Call. Frame cells never escape through Pop or Top.
const kindFrame Kind = 0x80

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindQuote:
		return "quote"
	case KindVariant:
		return "variant"
	case kindFrame:
		return "frame"
	default:
		return "unknown"
	}
}

// Quote is an executable value: a block of code pushed on the stack and
// invoked later via [Stack.Call] or [Stack.IfElse]. It runs on the calling
// strand and manipulates that strand's stack.
type Quote func(*Strand)

// Variant is a tagged union case: a constructor tag plus its payload fields.
// Variants are inert data, compared structurally by [Value.Equal].
type Variant struct {
	Tag    int64
	Fields []Value
}

// Value is a single stack cell. The zero Value is nil.
//
// Values are immutable once constructed. A Value is one machine-word-sized
// discriminant plus payload slots, so copying is cheap and moving cells
// during stack growth never invalidates them: only the hidden frame cells
// carry stack-relative state, and the stack rewrites those itself.
type Value struct {
	kind    Kind
	num     int64
	str     string
	quote   Quote
	variant *Variant
}

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: KindInt, num: v} }

// Bool returns a boolean value.
func Bool(v bool) Value {
	var n int64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

// Str returns a string value.
func Str(v string) Value { return Value{kind: KindString, str: v} }

// Quot returns a quote value wrapping the given block.
func Quot(q Quote) Value { return Value{kind: KindQuote, quote: q} }

// VariantOf returns a variant value with the given constructor tag and
// payload fields.
func VariantOf(tag int64, fields ...Value) Value {
	return Value{kind: KindVariant, variant: &Variant{Tag: tag, Fields: fields}}
}

// Kind returns the discriminant of the value.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether the value is nil.
func (v Value) IsNil() bool { return v.kind == KindNil }

func (v Value) expect(k Kind) {
	if v.kind != k {
		panic(&StackError{Message: fmt.Sprintf("cem: value is %s, not %s", v.kind, k)})
	}
}

// Int returns the integer payload, or panics if the value is not an integer.
func (v Value) Int() int64 {
	v.expect(KindInt)
	return v.num
}

// Bool returns the boolean payload, or panics if the value is not a boolean.
func (v Value) Bool() bool {
	v.expect(KindBool)
	return v.num != 0
}

// Str returns the string payload, or panics if the value is not a string.
func (v Value) Str() string {
	v.expect(KindString)
	return v.str
}

// Quote returns the quote payload, or panics if the value is not a quote.
func (v Value) Quote() Quote {
	v.expect(KindQuote)
	return v.quote
}

// Variant returns the variant payload, or panics if the value is not a
// variant.
func (v Value) Variant() *Variant {
	v.expect(KindVariant)
	return v.variant
}

// Equal reports structural equality. Quotes are never equal, not even to
// themselves, as code has no meaningful identity across copies.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindInt, KindBool:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindVariant:
		a, b := v.variant, o.variant
		if a.Tag != b.Tag || len(a.Fields) != len(b.Fields) {
			return false
		}
		for i := range a.Fields {
			if !a.Fields[i].Equal(b.Fields[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String renders the value for diagnostics.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindString:
		return strconv.Quote(v.str)
	case KindQuote:
		return "quote"
	case KindVariant:
		var b strings.Builder
		fmt.Fprintf(&b, "variant(%d", v.variant.Tag)
		for _, f := range v.variant.Fields {
			b.WriteString(", ")
			b.WriteString(f.String())
		}
		b.WriteString(")")
		return b.String()
	case kindFrame:
		return fmt.Sprintf("frame(%#x)", uint64(v.num))
	default:
		return "unknown"
	}
}
