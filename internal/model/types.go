// Package model defines core data types for the chart data pipeline.
//
// This package contains the fundamental structures shared by the wire
// decoder, the tick store, the candle aggregator and the live series
// reconciler: decoded market ticks, aggregated OHLCV candles, chart
// timeframes and raw historical price rows as the REST backend returns
// them.
//
// Prices are IEEE-754 floats end to end: the binary wire format carries
// 32-bit floats and the aggregation pipeline does no rounding beyond
// native float precision, so float64 is the natural representation.
package model

import "fmt"

// TickKind discriminates the two mutually exclusive tick shapes.
type TickKind int

const (
	// TickSnapshot is a full daily picture: OHLC, previous close and the
	// exchange's cumulative daily volume.
	TickSnapshot TickKind = iota

	// TickUpdate is a single trade: last price and the incremental volume
	// of that trade.
	TickUpdate
)

// String returns a human-readable name for the tick kind.
func (k TickKind) String() string {
	switch k {
	case TickSnapshot:
		return "snapshot"
	case TickUpdate:
		return "update"
	default:
		return fmt.Sprintf("TickKind(%d)", int(k))
	}
}

// Tick represents one decoded market event for one symbol.
//
// A Tick is constructed exactly once by the wire decoder from an
// immutable byte frame and is never mutated afterwards; it is appended
// to the tick store and discarded only by buffer eviction.
//
// Which fields are meaningful depends on Kind:
//   - TickSnapshot: Open, High, Low, Close, PrevClose and Volume
//     (cumulative daily volume).
//   - TickUpdate: Price and Volume (incremental volume for this trade).
type Tick struct {
	Kind      TickKind // shape discriminator
	Symbol    string   // venue-qualified symbol identifier
	Timestamp int64    // unix seconds (unit-normalized by the decoder)

	// Snapshot fields.
	Open      float64
	High      float64
	Low       float64
	Close     float64
	PrevClose float64

	// Update field.
	Price float64

	// Volume is cumulative daily volume on a snapshot and the single
	// trade's incremental volume on an update. The wire carries it as a
	// 64-bit unsigned integer, which fits safely in a float64.
	Volume float64
}

// LastPrice returns the most representative price carried by the tick:
// the trade price for an update, the close for a snapshot.
func (t Tick) LastPrice() float64 {
	if t.Kind == TickUpdate {
		return t.Price
	}
	return t.Close
}

// IncrementalVolume returns the tick's contribution to a candle's
// running volume. Snapshot volume is the exchange's cumulative daily
// total, not a delta; folding it in additively would produce a spike,
// so snapshots contribute zero.
func (t Tick) IncrementalVolume() float64 {
	if t.Kind == TickUpdate {
		return t.Volume
	}
	return 0
}

// Candle represents aggregated OHLCV state for one time bucket.
//
// BucketTime is the bucket start in unix seconds, aligned to
// floor(timestamp/timeframeSeconds)*timeframeSeconds. Open is fixed at
// the first observed price in the bucket, High and Low are running
// extrema, Close is the latest price. The invariant
// Low <= Open,Close <= High holds after every fold.
type Candle struct {
	BucketTime int64
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
}

// Timeframe is a chart bucket width in minutes. Only the enumerated set
// of widths is valid; anything else fails Valid.
type Timeframe int

// Supported timeframes.
const (
	Timeframe5m  Timeframe = 5
	Timeframe15m Timeframe = 15
	Timeframe30m Timeframe = 30
	Timeframe1h  Timeframe = 60
	Timeframe4h  Timeframe = 240
	Timeframe1d  Timeframe = 1440
)

// Timeframes lists all supported bucket widths in ascending order.
var Timeframes = []Timeframe{
	Timeframe5m, Timeframe15m, Timeframe30m,
	Timeframe1h, Timeframe4h, Timeframe1d,
}

// Minutes returns the bucket width in minutes.
func (tf Timeframe) Minutes() int { return int(tf) }

// Seconds returns the bucket width in seconds.
func (tf Timeframe) Seconds() int64 { return int64(tf) * 60 }

// IsDaily reports whether the timeframe is the daily bucket, which is
// seeded from the daily history endpoint rather than intraday rows.
func (tf Timeframe) IsDaily() bool { return tf == Timeframe1d }

// Valid reports whether tf is one of the supported bucket widths.
func (tf Timeframe) Valid() bool {
	for _, v := range Timeframes {
		if tf == v {
			return true
		}
	}
	return false
}

// String renders the timeframe in the conventional chart notation
// (5m, 15m, 30m, 1h, 4h, 1d).
func (tf Timeframe) String() string {
	switch {
	case tf == Timeframe1d:
		return "1d"
	case tf%60 == 0:
		return fmt.Sprintf("%dh", tf/60)
	default:
		return fmt.Sprintf("%dm", int(tf))
	}
}

// ParseTimeframe converts chart notation ("5m", "1h", "1d", ...) or a
// bare minute count ("240") into a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	for _, tf := range Timeframes {
		if s == tf.String() {
			return tf, nil
		}
	}
	var minutes int
	if _, err := fmt.Sscanf(s, "%d", &minutes); err == nil {
		tf := Timeframe(minutes)
		if tf.Valid() {
			return tf, nil
		}
	}
	return 0, fmt.Errorf("unsupported timeframe: %q", s)
}

// PriceHistoryRow is one raw record from the REST price-history
// endpoints. Daily rows carry Date (YYYY-MM-DD); intraday rows carry
// Datetime (ISO-ish, "T" or space separated). OHLC fields are nullable
// in the backend payload, hence the pointers: a nil field aggregates
// as zero, a row with neither Date nor Datetime is dropped.
type PriceHistoryRow struct {
	Date     string   `json:"date,omitempty"`
	Datetime string   `json:"datetime,omitempty"`
	Open     *float64 `json:"open"`
	High     *float64 `json:"high"`
	Low      *float64 `json:"low"`
	Close    *float64 `json:"close"`
	Volume   *float64 `json:"volume,omitempty"`
}
