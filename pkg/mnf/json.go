package mnf

import (
	"encoding/json"
	"math"
)

// NaN statistics travel as JSON null.

type nightJSON struct {
	Date  string   `json:"date"`
	Min   *float64 `json:"min"`
	Mean  *float64 `json:"mean"`
	Count int      `json:"count"`
}

type averageJSON struct {
	MinMNF *float64 `json:"minMnf"`
	AvgMNF *float64 `json:"avgMnf"`
	Nights int      `json:"nights"`
}

func toNullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func fromNullable(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func (n Night) MarshalJSON() ([]byte, error) {
	return json.Marshal(nightJSON{Date: n.Date, Min: toNullable(n.Min), Mean: toNullable(n.Mean), Count: n.Count})
}

func (n *Night) UnmarshalJSON(data []byte) error {
	var v nightJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = Night{Date: v.Date, Min: fromNullable(v.Min), Mean: fromNullable(v.Mean), Count: v.Count}
	return nil
}

func (a Average) MarshalJSON() ([]byte, error) {
	return json.Marshal(averageJSON{MinMNF: toNullable(a.MinMNF), AvgMNF: toNullable(a.AvgMNF), Nights: a.Nights})
}

func (a *Average) UnmarshalJSON(data []byte) error {
	var v averageJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*a = Average{MinMNF: fromNullable(v.MinMNF), AvgMNF: fromNullable(v.AvgMNF), Nights: v.Nights}
	return nil
}
