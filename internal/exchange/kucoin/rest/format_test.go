package rest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatWithStep(t *testing.T) {
	// квантование вниз к сетке шага
	assert.Equal(t, "99.9", formatWithStep(99.97, 0.1))
	assert.Equal(t, "64213.5", formatWithStep(64213.55, 0.5))
	assert.Equal(t, "100", formatWithStep(100.9, 1))

	// значение на границе шага не сдвигается
	assert.Equal(t, "0.0001", formatWithStep(0.0001, 0.0001))

	// нулевой шаг — без квантования
	assert.Equal(t, "98.0437", formatWithStep(98.0437, 0))
}

func TestStepDecimals(t *testing.T) {
	assert.Equal(t, 1, stepDecimals(0.1))
	assert.Equal(t, 4, stepDecimals(0.0001))
	assert.Equal(t, 0, stepDecimals(1))
	assert.Equal(t, 0, stepDecimals(5))
}
