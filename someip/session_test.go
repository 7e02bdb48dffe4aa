package someip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistryStartsAtOne(t *testing.T) {
	r := NewSessionRegistry()
	assert.EqualValues(t, 1, r.Next(0x1001, 0x0001))
	assert.EqualValues(t, 2, r.Next(0x1001, 0x0001))
}

func TestSessionRegistryWrapsSkippingZero(t *testing.T) {
	r := NewSessionRegistry()
	r.counters[sessionKey{0x1001, 0x0001}] = 0xFFFF
	assert.EqualValues(t, 0xFFFF, r.Next(0x1001, 0x0001))
	assert.EqualValues(t, 1, r.Next(0x1001, 0x0001))
}

func TestSessionRegistryKeysAreIndependent(t *testing.T) {
	r := NewSessionRegistry()
	assert.EqualValues(t, 1, r.Next(1, 1))
	assert.EqualValues(t, 1, r.Next(1, 2))
	assert.EqualValues(t, 2, r.Next(1, 1))
}
