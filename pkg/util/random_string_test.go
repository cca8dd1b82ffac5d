package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomStringIsSeeded(t *testing.T) {
	a := CreateRandomStringGenerator(42)
	b := CreateRandomStringGenerator(42)

	first := a.GetRandomString(6)
	assert.Len(t, first, 6)
	assert.Equal(t, first, b.GetRandomString(6))
	assert.NotEqual(t, first, a.GetRandomString(6))
}
