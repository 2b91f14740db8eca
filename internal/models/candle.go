package models

import "time"

// Candle is one OHLCV bar. Series are kept ascending by date.
type Candle struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// CandleSeries is an ascending OHLCV series with column accessors for the
// indicator routines.
type CandleSeries []Candle

// Closes returns the close column.
func (s CandleSeries) Closes() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.Close
	}
	return out
}

// Highs returns the high column.
func (s CandleSeries) Highs() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.High
	}
	return out
}

// Lows returns the low column.
func (s CandleSeries) Lows() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.Low
	}
	return out
}

// Volumes returns the volume column as floats.
func (s CandleSeries) Volumes() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = float64(c.Volume)
	}
	return out
}

// LastClose returns the most recent close, or 0 for an empty series.
func (s CandleSeries) LastClose() float64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].Close
}
