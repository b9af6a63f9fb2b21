package lang

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	t.Parallel()

	d := New(10)
	assert.Equal(t, "en", d.Detect("The quick brown fox jumps over the lazy dog while the farmer watches from the porch and drinks his coffee."))
	assert.Equal(t, "fr", d.Detect("Le renard brun rapide saute par-dessus le chien paresseux pendant que le fermier regarde depuis le porche."))
	assert.Equal(t, "", d.Detect("hi"))
	assert.Equal(t, "", d.Detect("   "))
}
