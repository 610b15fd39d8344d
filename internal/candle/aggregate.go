// Package candle implements OHLCV aggregation as pure functions.
//
// Three operations cover the pipeline's needs: converting raw
// historical price rows into base candles, re-bucketing base candles
// into a coarser timeframe, and folding one live tick into the
// currently open candle. None of them hold state; the live series
// reconciler owns the "last candle" between folds.
package candle

import (
	"sort"
	"time"

	"chartfeed/internal/model"
)

// datetimeLayouts are the accepted historical row time formats, tried
// in order. Daily rows use the bare date; intraday rows arrive either
// "T"-separated or space-separated, with or without a trailing zone.
var datetimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02",
}

// BucketTime aligns a unix-seconds timestamp to the start of its
// timeframe bucket: floor(ts/width)*width.
func BucketTime(ts int64, tf model.Timeframe) int64 {
	sec := tf.Seconds()
	return ts / sec * sec
}

// VolumePoint is one bucket of the separately tracked volume series.
type VolumePoint struct {
	BucketTime int64
	Volume     float64
}

// rowTime extracts the row's timestamp in unix seconds. The boolean is
// false when the row carries no usable date or datetime; such rows are
// filtered, not failed.
func rowTime(row model.PriceHistoryRow) (int64, bool) {
	raw := row.Datetime
	if raw == "" {
		raw = row.Date
	}
	if raw == "" {
		return 0, false
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Unix(), true
		}
	}
	return 0, false
}

// deref aggregates a nullable REST field as zero.
func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// FromHistory converts raw price-history rows into candles at the
// rows' own granularity: one candle per usable row, no re-bucketing.
// Rows without a parsable date or datetime are dropped silently, null
// OHLC fields become 0, and the output is sorted ascending by time
// since the backend's ordering cannot be trusted.
func FromHistory(rows []model.PriceHistoryRow) []model.Candle {
	out := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		ts, ok := rowTime(row)
		if !ok {
			continue
		}
		out = append(out, model.Candle{
			BucketTime: ts,
			Open:       deref(row.Open),
			High:       deref(row.High),
			Low:        deref(row.Low),
			Close:      deref(row.Close),
			Volume:     deref(row.Volume),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BucketTime < out[j].BucketTime
	})
	return out
}

// Aggregate re-buckets ascending base candles into the target
// timeframe. A target of one minute or less returns the input
// unchanged, since base candles are already the finest granularity.
//
// While successive candles fall in the same bucket the open is kept,
// high and low become running extrema, close tracks the latest candle
// and volume accumulates. The final open bucket is flushed even though
// nothing closes it.
func Aggregate(candles []model.Candle, tf model.Timeframe) []model.Candle {
	if tf.Minutes() <= 1 {
		return candles
	}

	out := make([]model.Candle, 0, len(candles))
	var cur *model.Candle

	for _, c := range candles {
		bucket := BucketTime(c.BucketTime, tf)

		if cur == nil || bucket != cur.BucketTime {
			out = append(out, model.Candle{
				BucketTime: bucket,
				Open:       c.Open,
				High:       c.High,
				Low:        c.Low,
				Close:      c.Close,
				Volume:     c.Volume,
			})
			cur = &out[len(out)-1]
			continue
		}

		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}

	return out
}

// Fold is the result of applying one live tick to the running candle.
//
// IsNew is true when the tick opened a fresh bucket; the chart treats
// that as "append a candle" rather than "mutate the last one". Stale
// is true when the tick's bucket lies strictly before the current one
// (out-of-order arrival); the candle is returned unchanged and the
// tick is dropped rather than allowed to rewind the series.
type Fold struct {
	Candle model.Candle
	Volume VolumePoint
	IsNew  bool
	Stale  bool
}

// UpdateLive folds one live tick into the running candle for the given
// timeframe. The timestamp must already be unit-normalized to seconds.
//
// With no previous candle, or a tick whose bucket is strictly later
// than the previous candle's, a fresh candle opens at the tick price
// (open = high = low = close) and the volume series restarts at the
// tick's incremental volume. Within the current bucket the extrema and
// close are updated and volume accumulates; open is never overwritten
// by later ticks in the same bucket.
func UpdateLive(last *model.Candle, lastVol *VolumePoint, price, volume float64, ts int64, tf model.Timeframe) Fold {
	bucket := BucketTime(ts, tf)

	if last != nil && bucket < last.BucketTime {
		// Late arrival for an already superseded bucket. Rewinding the
		// candle would break bucket monotonicity, so the tick is ignored.
		f := Fold{Candle: *last, Stale: true}
		if lastVol != nil {
			f.Volume = *lastVol
		}
		return f
	}

	if last == nil || bucket > last.BucketTime {
		return Fold{
			Candle: model.Candle{
				BucketTime: bucket,
				Open:       price,
				High:       price,
				Low:        price,
				Close:      price,
				Volume:     volume,
			},
			Volume: VolumePoint{BucketTime: bucket, Volume: volume},
			IsNew:  true,
		}
	}

	next := *last
	if price > next.High {
		next.High = price
	}
	if price < next.Low {
		next.Low = price
	}
	next.Close = price
	next.Volume += volume

	vol := VolumePoint{BucketTime: bucket}
	if lastVol != nil {
		vol.Volume = lastVol.Volume
	}
	vol.Volume += volume

	return Fold{Candle: next, Volume: vol}
}
