package report

import (
	"time"

	"github.com/kiranshivaraju/errwatch/internal/store"
	"github.com/kiranshivaraju/errwatch/pkg/models"
)

const day = 24 * time.Hour

// smoothingWindow weights the seven values around each point.
var smoothingWindow = [7]float64{0.25, 0.5, 0.75, 1.0, 0.75, 0.5, 0.25}

// FillDaily expands sparse daily counts into one point per day between the
// first and last day, inclusive. Missing days count zero.
func FillDaily(counts []store.DailyCount) []models.SeriesPoint {
	if len(counts) == 0 {
		return []models.SeriesPoint{}
	}
	byDay := make(map[int64]int, len(counts))
	first, last := counts[0].Day.UTC(), counts[0].Day.UTC()
	for _, c := range counts {
		d := c.Day.UTC().Truncate(day)
		byDay[d.UnixMilli()] += c.Count
		if d.Before(first) {
			first = d
		}
		if d.After(last) {
			last = d
		}
	}

	out := make([]models.SeriesPoint, 0, int(last.Sub(first)/day)+1)
	for d := first.Truncate(day); !d.After(last); d = d.Add(day) {
		ms := d.UnixMilli()
		out = append(out, models.SeriesPoint{float64(ms), float64(byDay[ms])})
	}
	return out
}

// Smooth applies a seven-point weighted moving average. Values that fall
// outside the series are dropped and the weights are applied to the remaining
// values in order, so edge points see a shifted window.
func Smooth(points []models.SeriesPoint) []models.SeriesPoint {
	out := make([]models.SeriesPoint, len(points))
	for i := range points {
		var sum float64
		n := 0
		for offset := -3; offset <= 3; offset++ {
			j := i + offset
			if j < 0 || j >= len(points) {
				continue
			}
			sum += points[j][1] * smoothingWindow[n]
			n++
		}
		out[i] = models.SeriesPoint{points[i][0], sum / float64(n)}
	}
	return out
}
