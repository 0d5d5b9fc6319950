package sizeclass

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifySmall(t *testing.T) {
	for s := 1; s <= 16; s++ {
		c := Classify(s)
		assert.Equal(t, (s-1)/4, c, "size %d", s)
		assert.GreaterOrEqual(t, c, 0)
		assert.LessOrEqual(t, c, 3)
	}
}

func TestClassifyLarge(t *testing.T) {
	prev := Classify(16)
	for s := 17; s <= 4096; s++ {
		c := Classify(s)
		assert.Equal(t, min((s-1)/16+3, PoolCount), c, "size %d", s)
		assert.GreaterOrEqual(t, c, prev, "classify must not decrease at size %d", s)
		prev = c
	}
}

func TestClassifyScenarios(t *testing.T) {
	tests := []struct {
		name string
		size int
		want int
	}{
		{"zero", 0, 0},
		{"negative", -7, 0},
		{"one", 1, 0},
		{"five", 5, 1},
		{"sixteen", 16, 3},
		{"seventeen", 17, 4},
		{"thirty-two", 32, 4},
		{"thirty-three", 33, 5},
		{"largest pooled", MaxPooledSize, 13},
		{"first default", MaxPooledSize + 1, DefaultClass},
		{"huge", 1 << 30, DefaultClass},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.size))
		})
	}
}

func TestIsDefault(t *testing.T) {
	assert.False(t, IsDefault(0))
	assert.False(t, IsDefault(PoolCount-1))
	assert.True(t, IsDefault(PoolCount))
	assert.True(t, IsDefault(Classify(1<<20)))
}

func TestBoundsAgreeWithClassify(t *testing.T) {
	for c := 0; c <= DefaultClass; c++ {
		lo, hi := Bounds(c)
		assert.Equal(t, c, Classify(lo), "lower bound of class %d", c)
		if hi < 0 {
			assert.Equal(t, DefaultClass, c)
			continue
		}
		assert.Equal(t, c, Classify(hi), "upper bound of class %d", c)
		assert.NotEqual(t, c, Classify(hi+1), "class %d must end at %d", c, hi)
	}
}
