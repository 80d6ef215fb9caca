package ir

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
)

// Container owns IR nodes. Registration assigns per-kind monotonically
// increasing names, so a node's (kind, name) pair identifies it within its
// container and iteration in registration order is deterministic.
type Container struct {
	vals    []Val
	valSet  sets.Set[Val]
	exprs   []Expr
	exprSet sets.Set[Expr]

	valNameCounters map[Kind]int64
	exprNameCounter int64

	// Cached canonical constants, built lazily by the Builder.
	zero *Scalar
	one  *Scalar
}

// NewContainer returns an empty container.
func NewContainer() *Container {
	return &Container{
		valSet:          sets.Make[Val](),
		exprSet:         sets.Make[Expr](),
		valNameCounters: make(map[Kind]int64),
	}
}

// checkPasskey panics unless pk was issued by a Builder for this container.
func (c *Container) checkPasskey(pk BuilderPasskey) {
	if pk.container == nil {
		exceptions.Panicf("ir: zero-value passkey; nodes must be registered through a Builder")
	}
	if pk.container != c {
		exceptions.Panicf("ir: passkey issued for a different container")
	}
}

// RegisterVal adds v to the container, assigning its name. Requires a
// passkey issued by this container's Builder.
func (c *Container) RegisterVal(pk BuilderPasskey, v Val) {
	c.checkPasskey(pk)
	if v.Container() != nil && v.Container() != c {
		exceptions.Panicf("ir: %s already owned by another container", v)
	}
	if c.valSet.Has(v) {
		return
	}
	v.setContainer(c)
	v.setName(c.nextValName(v.Kind()))
	c.vals = append(c.vals, v)
	c.valSet.Insert(v)
}

// RegisterExpr adds e to the container and wires the definition/use edges of
// its inputs and outputs. All inputs and outputs must already be registered.
func (c *Container) RegisterExpr(pk BuilderPasskey, e Expr) {
	c.checkPasskey(pk)
	if e.Container() != nil && e.Container() != c {
		exceptions.Panicf("ir: %s already owned by another container", e)
	}
	if c.exprSet.Has(e) {
		return
	}
	for _, in := range e.Inputs() {
		if !c.valSet.Has(in) {
			exceptions.Panicf("ir: input %s of %s is not registered", in, e)
		}
	}
	for _, out := range e.Outputs() {
		if !c.valSet.Has(out) {
			exceptions.Panicf("ir: output %s of %s is not registered", out, e)
		}
		if out.Definition() != nil {
			exceptions.Panicf("ir: %s already defined by %s", out, out.Definition())
		}
	}
	e.setContainer(c)
	e.setName(c.exprNameCounter)
	c.exprNameCounter++
	c.exprs = append(c.exprs, e)
	c.exprSet.Insert(e)
	for _, in := range e.Inputs() {
		in.addUse(e)
	}
	for _, out := range e.Outputs() {
		out.setDefinition(e)
	}
}

// RemoveExpr detaches e from the container, severing its definition and use
// edges.
func (c *Container) RemoveExpr(e Expr) {
	if !c.exprSet.Has(e) {
		exceptions.Panicf("ir: removing %s, not in container", e)
	}
	for _, in := range e.Inputs() {
		in.removeUse(e)
	}
	for _, out := range e.Outputs() {
		out.setDefinition(nil)
	}
	delete(c.exprSet, e)
	for i, other := range c.exprs {
		if other == e {
			c.exprs = append(c.exprs[:i], c.exprs[i+1:]...)
			break
		}
	}
	e.setContainer(nil)
}

// RemoveVal detaches v from the container. Panics while v still has a
// definition or uses; remove those expressions first.
func (c *Container) RemoveVal(v Val) {
	if !c.valSet.Has(v) {
		exceptions.Panicf("ir: removing %s, not in container", v)
	}
	if v.Definition() != nil {
		exceptions.Panicf("ir: removing %s, still defined by %s", v, v.Definition())
	}
	if len(v.Uses()) > 0 {
		exceptions.Panicf("ir: removing %s, still used by %s", v, v.Uses()[0])
	}
	delete(c.valSet, v)
	for i, other := range c.vals {
		if other == v {
			c.vals = append(c.vals[:i], c.vals[i+1:]...)
			break
		}
	}
	v.setContainer(nil)
}

// Swap exchanges the entire contents of two containers: every node owned by
// a ends up owned by b and vice versa, with names, registration order and
// cached constants preserved. Owning-container back-pointers are rewritten on
// every statement.
func Swap(a, b *Container) {
	a.vals, b.vals = b.vals, a.vals
	a.valSet, b.valSet = b.valSet, a.valSet
	a.exprs, b.exprs = b.exprs, a.exprs
	a.exprSet, b.exprSet = b.exprSet, a.exprSet
	a.valNameCounters, b.valNameCounters = b.valNameCounters, a.valNameCounters
	a.exprNameCounter, b.exprNameCounter = b.exprNameCounter, a.exprNameCounter
	a.zero, b.zero = b.zero, a.zero
	a.one, b.one = b.one, a.one
	for _, c := range []*Container{a, b} {
		for _, v := range c.vals {
			v.setContainer(c)
		}
		for _, e := range c.exprs {
			e.setContainer(c)
		}
	}
}

// ReplaceVal replaces every reference to a with b across the container's
// expressions: in input lists (moving use edges) and output lists (moving
// definitions). Both values must be registered.
func (c *Container) ReplaceVal(a, b Val) {
	if !c.valSet.Has(a) || !c.valSet.Has(b) {
		exceptions.Panicf("ir: replacing values not in container")
	}
	for _, e := range c.exprs {
		swapInList(exprInputs(e), a, b, func() {
			a.removeUse(e)
			b.addUse(e)
		})
		swapInList(exprOutputs(e), a, b, func() {
			a.setDefinition(nil)
			b.setDefinition(e)
		})
	}
}

func exprInputs(e Expr) []Val  { return e.Inputs() }
func exprOutputs(e Expr) []Val { return e.Outputs() }

func swapInList(list []Val, a, b Val, onSwap func()) {
	for i, v := range list {
		if v == a {
			list[i] = b
			onSwap()
		}
	}
}

// InContainer reports whether s is registered here.
func (c *Container) InContainer(s Statement) bool {
	switch n := s.(type) {
	case Val:
		return c.valSet.Has(n)
	case Expr:
		return c.exprSet.Has(n)
	}
	return false
}

// Vals returns the registered values in registration order. The returned
// slice is shared; callers must not modify it.
func (c *Container) Vals() []Val { return c.vals }

// Exprs returns the registered expressions in registration order. The
// returned slice is shared; callers must not modify it.
func (c *Container) Exprs() []Expr { return c.exprs }

func (c *Container) nextValName(k Kind) int64 {
	name := c.valNameCounters[k]
	c.valNameCounters[k] = name + 1
	return name
}
