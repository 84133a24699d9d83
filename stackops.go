package cem

import (
	"fmt"
	"strconv"
)

func (st *Stack) popInt(op string) int64 {
	v := st.Pop()
	if v.kind != KindInt {
		panic(&StackError{Message: fmt.Sprintf("cem: %s requires integers, got %s", op, v.kind)})
	}
	return v.num
}

func (st *Stack) popBool(op string) bool {
	v := st.Pop()
	if v.kind != KindBool {
		panic(&StackError{Message: fmt.Sprintf("cem: %s requires a boolean, got %s", op, v.kind)})
	}
	return v.num != 0
}

func (st *Stack) popStr(op string) string {
	v := st.Pop()
	if v.kind != KindString {
		panic(&StackError{Message: fmt.Sprintf("cem: %s requires strings, got %s", op, v.kind)})
	}
	return v.str
}

func (st *Stack) popQuote(op string) Quote {
	v := st.Pop()
	if v.kind != KindQuote {
		panic(&StackError{Message: fmt.Sprintf("cem: %s requires a quote, got %s", op, v.kind)})
	}
	return v.quote
}

// Dup duplicates the top value: a -- a a.
func (st *Stack) Dup() { st.Push(st.Top()) }

// Drop discards the top value: a -- .
func (st *Stack) Drop() { st.Pop() }

// Swap exchanges the top two values: a b -- b a.
func (st *Stack) Swap() {
	b, a := st.Pop(), st.Pop()
	st.Push(b)
	st.Push(a)
}

// Over copies the second value to the top: a b -- a b a.
func (st *Stack) Over() {
	b, a := st.Pop(), st.Pop()
	st.Push(a)
	st.Push(b)
	st.Push(a)
}

// Rot rotates the third value to the top: a b c -- b c a.
func (st *Stack) Rot() {
	c, b, a := st.Pop(), st.Pop(), st.Pop()
	st.Push(b)
	st.Push(c)
	st.Push(a)
}

// Add pops two integers and pushes their sum.
func (st *Stack) Add() {
	b, a := st.popInt("add"), st.popInt("add")
	st.Push(Int(a + b))
}

// Sub pops two integers and pushes their difference: a b -- a-b.
func (st *Stack) Sub() {
	b, a := st.popInt("sub"), st.popInt("sub")
	st.Push(Int(a - b))
}

// Mul pops two integers and pushes their product.
func (st *Stack) Mul() {
	b, a := st.popInt("mul"), st.popInt("mul")
	st.Push(Int(a * b))
}

// Div pops two integers and pushes their quotient: a b -- a/b. Division by
// zero is fatal.
func (st *Stack) Div() {
	b, a := st.popInt("div"), st.popInt("div")
	if b == 0 {
		panic(&StackError{Message: "cem: divide by zero"})
	}
	st.Push(Int(a / b))
}

// Lt pops two integers and pushes a<b.
func (st *Stack) Lt() {
	b, a := st.popInt("lt"), st.popInt("lt")
	st.Push(Bool(a < b))
}

// Gt pops two integers and pushes a>b.
func (st *Stack) Gt() {
	b, a := st.popInt("gt"), st.popInt("gt")
	st.Push(Bool(a > b))
}

// Le pops two integers and pushes a<=b.
func (st *Stack) Le() {
	b, a := st.popInt("le"), st.popInt("le")
	st.Push(Bool(a <= b))
}

// Ge pops two integers and pushes a>=b.
func (st *Stack) Ge() {
	b, a := st.popInt("ge"), st.popInt("ge")
	st.Push(Bool(a >= b))
}

// Eq pops two integers and pushes a==b.
func (st *Stack) Eq() {
	b, a := st.popInt("eq"), st.popInt("eq")
	st.Push(Bool(a == b))
}

// Ne pops two integers and pushes a!=b.
func (st *Stack) Ne() {
	b, a := st.popInt("ne"), st.popInt("ne")
	st.Push(Bool(a != b))
}

// StrLen pops a string and pushes its length in bytes.
func (st *Stack) StrLen() {
	s := st.popStr("strlen")
	st.Push(Int(int64(len(s))))
}

// StrCat pops two strings and pushes their concatenation: a b -- a+b.
func (st *Stack) StrCat() {
	b, a := st.popStr("strcat"), st.popStr("strcat")
	st.Push(Str(a + b))
}

// StrEq pops two strings and pushes their equality.
func (st *Stack) StrEq() {
	b, a := st.popStr("streq"), st.popStr("streq")
	st.Push(Bool(a == b))
}

// IntToStr pops an integer and pushes its decimal representation.
func (st *Stack) IntToStr() {
	v := st.popInt("int_to_string")
	st.Push(Str(strconv.FormatInt(v, 10)))
}

// BoolToStr pops a boolean and pushes "true" or "false".
func (st *Stack) BoolToStr() {
	if st.popBool("bool_to_string") {
		st.Push(Str("true"))
	} else {
		st.Push(Str("false"))
	}
}

// PushInt pushes an integer.
func (st *Stack) PushInt(v int64) { st.Push(Int(v)) }

// PushBool pushes a boolean.
func (st *Stack) PushBool(v bool) { st.Push(Bool(v)) }

// PushStr pushes a string.
func (st *Stack) PushStr(v string) { st.Push(Str(v)) }

// PushQuote pushes a quote.
func (st *Stack) PushQuote(q Quote) { st.Push(Quot(q)) }

func (st *Stack) invoke(q Quote, nargs int) {
	if st.owner == nil {
		panic(&StateError{Message: "cem: call on a stack with no strand"})
	}
	st.pushFrame(nargs)
	q(st.owner)
	st.popFrame()
}

// Call pops a quote and invokes it with the top nargs values as arguments.
// A frame cell is spliced beneath the arguments for the duration of the
// call: the callee may consume its arguments and push results, but popping
// past the frame is fatal. Results are left above the caller's remaining
// stack when the frame is removed.
func (st *Stack) Call(nargs int) {
	q := st.popQuote("call")
	st.invoke(q, nargs)
}

// IfElse pops an else-quote, a then-quote, and a boolean condition, then
// invokes the chosen quote with the top nargs values as arguments, exactly
// like [Stack.Call].
func (st *Stack) IfElse(nargs int) {
	elseQ := st.popQuote("ifelse")
	thenQ := st.popQuote("ifelse")
	q := thenQ
	if !st.popBool("ifelse") {
		q = elseQ
	}
	st.invoke(q, nargs)
}
