package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("marketbot:*"))
	assert.True(t, hasPattern("marketbot:price?"))
	assert.True(t, hasPattern("marketbot:[ab]"))
	assert.False(t, hasPattern("marketbot:trades"))
}

func TestNewEventBusDefaultsMaxLen(t *testing.T) {
	b := NewEventBus(&Client{}, 0)
	assert.Equal(t, defaultStreamMaxLen, b.maxLen)

	b = NewEventBus(&Client{}, 500)
	assert.EqualValues(t, 500, b.maxLen)
}
