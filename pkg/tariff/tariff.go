// Package tariff computes retail electricity cost from tiered consumption
// bands.
package tariff

import (
	"fmt"
	"math"
	"sort"

	"github.com/levenlabs/go-lflag"
)

// defaultBands is the residential tiered price table, VND per kWh keyed by
// the band's starting kWh.
var defaultBands = map[int]int64{
	0:   1806,
	50:  1866,
	100: 2167,
	200: 2729,
	300: 3050,
	400: 3151,
}

// defaultTaxPercent is the VAT applied on top of the banded subtotal.
const defaultTaxPercent = 8.0

// Schedule is a tiered price table plus tax.
type Schedule struct {
	// starts holds the band lower bounds in ascending order.
	starts []int
	// prices holds the per-kWh price for each band in starts order.
	prices []int64

	taxPercent float64
}

// New builds a schedule from a map of band start kWh to price per kWh. A band
// at 0 is required so every kWh has a price.
func New(bands map[int]int64, taxPercent float64) (*Schedule, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("at least one price band is required")
	}
	if _, ok := bands[0]; !ok {
		return nil, fmt.Errorf("price bands must include a band starting at 0")
	}
	if taxPercent < 0 {
		return nil, fmt.Errorf("tax percent %v cannot be negative", taxPercent)
	}
	s := &Schedule{taxPercent: taxPercent}
	for start, price := range bands {
		if start < 0 {
			return nil, fmt.Errorf("band start %d cannot be negative", start)
		}
		if price < 0 {
			return nil, fmt.Errorf("band price %d cannot be negative", price)
		}
		s.starts = append(s.starts, start)
	}
	sort.Ints(s.starts)
	s.prices = make([]int64, len(s.starts))
	for i, start := range s.starts {
		s.prices[i] = bands[start]
	}
	return s, nil
}

// Default returns the standard residential schedule.
func Default() *Schedule {
	s, err := New(defaultBands, defaultTaxPercent)
	if err != nil {
		panic(err)
	}
	return s
}

// Cost returns the tax-inclusive cost in VND for the given consumption,
// rounded to the nearest whole dong. Negative consumption costs nothing.
func (s *Schedule) Cost(kwh float64) int64 {
	if kwh <= 0 {
		return 0
	}
	var subtotal float64
	for i, start := range s.starts {
		if kwh <= float64(start) {
			break
		}
		in := kwh - float64(start)
		if i+1 < len(s.starts) {
			width := float64(s.starts[i+1] - start)
			if in > width {
				in = width
			}
		}
		subtotal += in * float64(s.prices[i])
	}
	return int64(math.Round(subtotal * (1 + s.taxPercent/100)))
}

// Configured sets up the tariff schedule based on flags.
func Configured() *Schedule {
	bands := defaultBands
	lflag.JSON(&bands, "tariff-bands", bands, "JSON map of band start kWh to price per kWh")
	taxPercent := defaultTaxPercent
	lflag.JSON(&taxPercent, "tariff-tax-percent", taxPercent, "VAT percentage applied on top of the banded subtotal")

	s := &Schedule{}

	lflag.Do(func() {
		built, err := New(bands, taxPercent)
		if err != nil {
			panic(fmt.Sprintf("tariff validation failed: %v", err))
		}
		*s = *built
	})

	return s
}
