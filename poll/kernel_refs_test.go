package poll

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKernelRefsRoundTrip(t *testing.T) {
	refs := newKernelRefs()
	st := &sockState{}
	st.refs.Store(1)

	ctx := refs.into(st)
	assert.NotZero(t, ctx)
	assert.EqualValues(t, 2, st.refs.Load())
	assert.Equal(t, 1, refs.len())

	assert.Panics(t, func() { refs.into(st) })

	assert.Same(t, st, refs.from(ctx))
	assert.Equal(t, 0, refs.len())
	// reclaimed once only
	assert.Nil(t, refs.from(ctx))
	// the caller drops the reference it got back
	assert.EqualValues(t, 2, st.refs.Load())
}

func TestKernelRefsTakeAll(t *testing.T) {
	refs := newKernelRefs()
	a, b := &sockState{}, &sockState{}
	refs.into(a)
	refs.into(b)

	assert.Len(t, refs.snapshot(), 2)
	assert.ElementsMatch(t, []*sockState{a, b}, refs.takeAll())
	assert.Equal(t, 0, refs.len())
}
