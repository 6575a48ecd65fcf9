package pipeline

import (
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Range selects values of a field. Use Exactly, Between, After or Before.
type Range struct {
	op    string
	value any
	upper any
}

// Exactly matches a single value.
func Exactly(v any) Range { return Range{op: "$eq", value: v} }

// Between matches lo <= v <= hi.
func Between(lo, hi any) Range { return Range{op: "between", value: lo, upper: hi} }

// After matches v > lo.
func After(lo any) Range { return Range{op: "$gt", value: lo} }

// Before matches v < hi.
func Before(hi any) Range { return Range{op: "$lt", value: hi} }

// MatchRange builds a match document for r on field.
func MatchRange(field string, r Range) bson.D {
	if r.op == "between" {
		return bson.D{{Key: field, Value: bson.D{
			{Key: "$gte", Value: r.value},
			{Key: "$lte", Value: r.upper},
		}}}
	}
	return bson.D{{Key: field, Value: bson.D{{Key: r.op, Value: r.value}}}}
}

// MatchTimeRange matches a field holding unix milliseconds against
// [start, end]. With exclusive set it matches values outside the range. A
// zero-length range becomes an equality (or inequality) test.
func MatchTimeRange(field string, start, end time.Time, exclusive bool) (bson.D, error) {
	lo, hi := start.UnixMilli(), end.UnixMilli()
	if lo > hi {
		return nil, fmt.Errorf("invalid time range: start %s is after end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	if lo == hi {
		op := "$eq"
		if exclusive {
			op = "$ne"
		}
		return bson.D{{Key: field, Value: bson.D{{Key: op, Value: lo}}}}, nil
	}

	loOp, hiOp := "$gte", "$lte"
	if exclusive {
		loOp, hiOp = "$lt", "$gt"
	}
	combinator := "$and"
	if exclusive {
		combinator = "$or"
	}
	return bson.D{{Key: combinator, Value: bson.A{
		bson.D{{Key: field, Value: bson.D{{Key: loOp, Value: lo}}}},
		bson.D{{Key: field, Value: bson.D{{Key: hiOp, Value: hi}}}},
	}}}, nil
}

// AggregationExpression returns the accumulator for strategy applied to ref.
func AggregationExpression(strategy, ref string) (bson.D, error) {
	switch strategy {
	case "sum":
		return bson.D{{Key: "$sum", Value: ref}}, nil
	case "min":
		return bson.D{{Key: "$min", Value: ref}}, nil
	case "max":
		return bson.D{{Key: "$max", Value: ref}}, nil
	case "avg", "mean":
		return bson.D{{Key: "$avg", Value: ref}}, nil
	default:
		return nil, fmt.Errorf("aggregation strategy %q is not implemented", strategy)
	}
}

// Bucket groups documents into fixed windows of a unix-millisecond date field
// and reduces each window's values with an aggregation strategy.
type Bucket struct {
	DateField   string
	ValueField  string
	Width       time.Duration
	Aggregation string
}

// Stages returns the $addFields, $group, $sort and $project stages.
func (b Bucket) Stages() ([]bson.D, error) {
	width := b.Width.Milliseconds()
	if width <= 0 {
		return nil, fmt.Errorf("bucket width must be at least 1ms; got %s", b.Width)
	}
	reduce, err := AggregationExpression(b.Aggregation, "$values")
	if err != nil {
		return nil, err
	}

	return []bson.D{
		{{Key: "$addFields", Value: bson.D{{Key: "groupDate", Value: bson.D{{Key: "$multiply", Value: bson.A{
			bson.D{{Key: "$trunc", Value: bson.D{{Key: "$divide", Value: bson.A{fieldRef(b.DateField), width}}}}},
			width,
		}}}}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$groupDate"},
			{Key: "values", Value: bson.D{{Key: "$push", Value: fieldRef(b.ValueField)}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
		{{Key: "$project", Value: bson.D{
			{Key: "_id", Value: 0},
			{Key: b.DateField, Value: "$_id"},
			{Key: b.ValueField, Value: reduce},
		}}},
	}, nil
}

// RankStage adds rankField holding priority[field value]. Values missing from
// priority rank after every listed value. Empty rankField defaults to "rank".
func RankStage(field string, priority map[string]int, rankField string) bson.D {
	if rankField == "" {
		rankField = "rank"
	}
	keys := make([]string, 0, len(priority))
	for k := range priority {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	branches := make(bson.A, 0, len(keys))
	for _, k := range keys {
		branches = append(branches, bson.D{
			{Key: "case", Value: bson.D{{Key: "$eq", Value: bson.A{fieldRef(field), k}}}},
			{Key: "then", Value: priority[k]},
		})
	}
	return bson.D{{Key: "$addFields", Value: bson.D{{Key: rankField, Value: bson.D{
		{Key: "$switch", Value: bson.D{
			{Key: "branches", Value: branches},
			{Key: "default", Value: len(branches) + 1},
		}},
	}}}}}
}
