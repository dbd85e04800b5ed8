package arena

import (
	"testing"

	"amos/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	a, err := New(3*mm.PageSize + 1)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	assert.Equal(t, 4*mm.PageSize, a.Size())
	assert.Zero(t, a.Base()&(mm.PageSize-1), "arena base must be page aligned")
	assert.Equal(t, a.Base()+a.Size(), a.End())
	assert.Len(t, a.Bytes(), int(4*mm.PageSize))

	assert.True(t, a.Contains(a.Base()))
	assert.True(t, a.Contains(a.End()-1))
	assert.False(t, a.Contains(a.End()))

	for i, b := range a.Bytes() {
		if b != 0 {
			t.Fatalf("expected byte %d to be zero; got %x", i, b)
		}
	}

	a.Bytes()[0] = 0xaa
	assert.Equal(t, byte(0xaa), a.Bytes()[0])
}

func TestNewZeroSize(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
}

func TestCloseTwice(t *testing.T) {
	a, err := New(mm.PageSize)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())
	assert.Nil(t, a.Bytes())
}
