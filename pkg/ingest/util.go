package ingest

import (
	"github.com/cuemby/tsdbcore/pkg/row"
	"github.com/cuemby/tsdbcore/pkg/schema"
)

// estimateRowBytes is a deliberately approximate per-row byte estimate
// (§4.2 rationale: "byte counts are deliberately approximate"), cheap
// enough to compute on the ingest hot path without reflecting into the
// actual encoded size.
func estimateRowBytes(s *schema.Schema, values map[string]interface{}) int64 {
	var total int64
	for _, c := range s.Columns {
		switch v := values[c.Name].(type) {
		case string:
			total += int64(len(v)) + 8
		default:
			total += 8
		}
	}
	return total
}

func estimateBatchBytes(b *row.Batch) int64 {
	if b == nil {
		return 0
	}
	var perRow int64
	for _, c := range b.Schema.Columns {
		switch c.Type {
		case schema.TypeString:
			perRow += 24 // rough average; strings vary, this is an estimate
		default:
			perRow += 8
		}
	}
	return perRow * int64(b.Len())
}

func columnNames(s *schema.Schema) []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

func timeRange(b *row.Batch) (minTime, maxTime int64) {
	tsCol, ok := b.Schema.TimestampColumn()
	if !ok {
		return 0, 0
	}
	col := b.Column(tsCol.Name)
	if col == nil || len(col.Times) == 0 {
		return 0, 0
	}
	minTime, maxTime = col.Times[0], col.Times[0]
	for _, t := range col.Times[1:] {
		if t < minTime {
			minTime = t
		}
		if t > maxTime {
			maxTime = t
		}
	}
	return minTime, maxTime
}

func timeOverlaps(aMin, aMax, bMin, bMax int64) bool {
	return aMin <= bMax && bMin <= aMax
}
