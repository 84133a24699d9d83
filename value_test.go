package cem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestValueConstructors tests kind assignment and payload round trips.
func TestValueConstructors(t *testing.T) {
	assert.Equal(t, KindNil, Value{}.Kind())
	assert.True(t, Value{}.IsNil())

	v := Int(-42)
	assert.Equal(t, KindInt, v.Kind())
	assert.Equal(t, int64(-42), v.Int())

	v = Bool(true)
	assert.Equal(t, KindBool, v.Kind())
	assert.True(t, v.Bool())
	assert.False(t, Bool(false).Bool())

	v = Str("hello")
	assert.Equal(t, KindString, v.Kind())
	assert.Equal(t, "hello", v.Str())

	v = Quot(func(*Strand) {})
	assert.Equal(t, KindQuote, v.Kind())
	assert.NotNil(t, v.Quote())

	v = VariantOf(2, Int(1), Str("x"))
	assert.Equal(t, KindVariant, v.Kind())
	require.NotNil(t, v.Variant())
	assert.Equal(t, int64(2), v.Variant().Tag)
	require.Len(t, v.Variant().Fields, 2)
	assert.Equal(t, int64(1), v.Variant().Fields[0].Int())
}

// TestValueAccessorMismatch tests that accessors reject the wrong kind with
// a stack error.
func TestValueAccessorMismatch(t *testing.T) {
	serr := recoverStackError(t, func() { Str("nope").Int() })
	assert.Contains(t, serr.Error(), "value is string, not int")
	serr = recoverStackError(t, func() { Int(1).Quote() })
	assert.Contains(t, serr.Error(), "value is int, not quote")
	serr = recoverStackError(t, func() { Value{}.Bool() })
	assert.Contains(t, serr.Error(), "value is nil, not bool")
}

// TestValueEqual tests structural equality, including nested variants and
// the rule that quotes never compare equal.
func TestValueEqual(t *testing.T) {
	assert.True(t, Value{}.Equal(Value{}))
	assert.True(t, Int(3).Equal(Int(3)))
	assert.False(t, Int(3).Equal(Int(4)))
	assert.False(t, Int(1).Equal(Bool(true)))
	assert.True(t, Str("a").Equal(Str("a")))
	assert.False(t, Str("a").Equal(Str("b")))

	q := Quot(func(*Strand) {})
	assert.False(t, q.Equal(q), "quotes have no identity")

	a := VariantOf(1, Int(2), VariantOf(3, Str("deep")))
	b := VariantOf(1, Int(2), VariantOf(3, Str("deep")))
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(VariantOf(1, Int(2), VariantOf(3, Str("other")))))
	assert.False(t, a.Equal(VariantOf(2, Int(2), VariantOf(3, Str("deep")))))
	assert.False(t, a.Equal(VariantOf(1, Int(2))))
}

// TestValueString tests the diagnostic rendering.
func TestValueString(t *testing.T) {
	assert.Equal(t, "nil", Value{}.String())
	assert.Equal(t, "-7", Int(-7).String())
	assert.Equal(t, "true", Bool(true).String())
	assert.Equal(t, "false", Bool(false).String())
	assert.Equal(t, `"hi"`, Str("hi").String())
	assert.Equal(t, "quote", Quot(func(*Strand) {}).String())
	assert.Equal(t, `variant(1, 2, "x")`, VariantOf(1, Int(2), Str("x")).String())
}
