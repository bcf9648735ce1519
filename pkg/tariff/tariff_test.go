package tariff

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCostTiered(t *testing.T) {
	s, err := New(map[int]int64{0: 1000, 50: 1200, 100: 1500}, 10)
	require.NoError(t, err)

	assert.Equal(t, int64(0), s.Cost(0))
	assert.Equal(t, int64(0), s.Cost(-5))

	// entirely inside the first band
	assert.Equal(t, int64(math.Round(30*1000*1.10)), s.Cost(30))

	// spans all three bands
	expected := int64(math.Round((50*1000 + 50*1200 + 20*1500) * 1.10))
	assert.Equal(t, expected, s.Cost(120))

	// exactly on a band boundary
	assert.Equal(t, int64(math.Round(50*1000*1.10)), s.Cost(50))
}

func TestCostFractional(t *testing.T) {
	s, err := New(map[int]int64{0: 1000}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), s.Cost(1.5))
	assert.Equal(t, int64(1001), s.Cost(1.0005))
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, 8)
	assert.Error(t, err)

	_, err = New(map[int]int64{50: 1200}, 8)
	assert.Error(t, err, "missing the band at 0")

	_, err = New(map[int]int64{0: 1000}, -1)
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	s := Default()
	// 30 kWh sits entirely in the first residential band
	assert.Equal(t, int64(math.Round(30*1806*1.08)), s.Cost(30))
	assert.True(t, s.Cost(500) > s.Cost(400))
}
