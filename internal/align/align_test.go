package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddress(t *testing.T) {
	assert.Equal(t, uint64(0x2000), Address(uint64(0x1001), uint64(0x1000)))
	assert.Equal(t, uint64(0x1000), Address(uint64(0x1000), uint64(0x1000)))
	assert.Equal(t, uint64(0x1234), Address(uint64(0x1234), uint64(0)))
}

func TestDown(t *testing.T) {
	assert.Equal(t, uint64(0x1000), Down(uint64(0x1fff), uint64(0x1000)))
	assert.Equal(t, uint64(0x1000), Down(uint64(0x1000), uint64(0x1000)))
}

func TestCongruent(t *testing.T) {
	// Offset must move forward until it shares the address' page residue
	off := Congruent(uint64(0x3100), uint64(0x40a230), uint64(0x1000))
	assert.Equal(t, uint64(0x3230), off)
	assert.True(t, IsCongruent(off, uint64(0x40a230), uint64(0x1000)))

	// Already congruent: unchanged
	assert.Equal(t, uint64(0x2230), Congruent(uint64(0x2230), uint64(0x40a230), uint64(0x1000)))

	// Residue behind the cursor wraps to the next page
	off = Congruent(uint64(0x3f00), uint64(0x400010), uint64(0x1000))
	assert.Equal(t, uint64(0x4010), off)

	assert.Equal(t, uint64(0x77), Congruent(uint64(0x77), uint64(0x1234), uint64(0)))
}
