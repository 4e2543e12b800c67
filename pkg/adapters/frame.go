package adapters

import (
	"fmt"
	"sort"
	"time"

	"github.com/HatiCode/flowwatch/pkg/series"
)

// ToSeries converts collected rows into a series and the set of imputed
// timestamps. Rows must carry "ts" as an RFC3339 string or time.Time and
// "value" as a number; rows are sorted by time and duplicate timestamps are
// rejected.
func ToSeries(df *DataFrame) (series.Series, series.ImputedSet, error) {
	if df == nil || len(df.Rows) == 0 {
		return nil, series.ImputedSet{}, nil
	}

	s := make(series.Series, 0, len(df.Rows))
	var imputed []time.Time

	for i, row := range df.Rows {
		ts, err := rowTime(row["ts"])
		if err != nil {
			return nil, series.ImputedSet{}, fmt.Errorf("row %d: %w", i, err)
		}
		val, err := rowValue(row["value"])
		if err != nil {
			return nil, series.ImputedSet{}, fmt.Errorf("row %d: %w", i, err)
		}
		s = append(s, series.Sample{Time: ts, Value: val})
		if flag, _ := row["imputed"].(bool); flag {
			imputed = append(imputed, ts)
		}
	}

	sort.SliceStable(s, func(i, j int) bool { return s[i].Time.Before(s[j].Time) })
	for i := 1; i < len(s); i++ {
		if s[i].Time.Equal(s[i-1].Time) {
			return nil, series.ImputedSet{}, fmt.Errorf("duplicate reading at %s", s[i].Time.Format(time.RFC3339Nano))
		}
	}

	return s, series.NewImputedSet(imputed...), nil
}

func rowTime(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse ts: %w", err)
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected ts type %T", v)
	}
}

func rowValue(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}

// sortRowsByTime orders rows holding time.Time timestamps and rewrites them
// as RFC3339 strings with sub-second precision.
func sortRowsByTime(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i]["ts"].(time.Time).Before(rows[j]["ts"].(time.Time))
	})
	for i := range rows {
		rows[i]["ts"] = rows[i]["ts"].(time.Time).UTC().Format(time.RFC3339Nano)
	}
}

func sortedKeys(m map[int64]float64) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
