package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFixedToFloat(t *testing.T) {
	assert.Equal(t, 288.1875, Fixed(0x012030).Float())
	assert.Equal(t, -288.1875, Fixed(-0x012030).Float())
}

func TestFixedFromFloat(t *testing.T) {
	assert.Equal(t, Fixed(0x012030), FixedFromFloat(288.1875))
	assert.Equal(t, Fixed(-0x012030), FixedFromFloat(-288.1875))
	assert.Equal(t, FixedFromInt(-3), FixedFromFloat(-3))
	assert.Equal(t, 288, Fixed(0x012030).Int())
	assert.Equal(t, -288, Fixed(-0x012030).Int())
}
