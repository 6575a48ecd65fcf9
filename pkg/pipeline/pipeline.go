// Package pipeline builds MongoDB aggregation stages: joins between
// collections, operator-based field matches, time ranges and bucketing. The
// mongofeed package uses it to narrow change streams.
package pipeline

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Pipeline accumulates aggregation stages in order. The zero value is empty
// and ready to use.
type Pipeline struct {
	stages []bson.D
}

// New starts a pipeline with the given stages.
func New(stages ...bson.D) *Pipeline {
	p := &Pipeline{}
	return p.Stages(stages...)
}

// Stages appends raw stages.
func (p *Pipeline) Stages(stages ...bson.D) *Pipeline {
	p.stages = append(p.stages, stages...)
	return p
}

// Match appends a $match stage.
func (p *Pipeline) Match(filter any) *Pipeline {
	return p.Stages(bson.D{{Key: "$match", Value: filter}})
}

// Limit appends a $limit stage.
func (p *Pipeline) Limit(n int64) *Pipeline {
	return p.Stages(bson.D{{Key: "$limit", Value: n}})
}

// AddFields appends an $addFields stage.
func (p *Pipeline) AddFields(fields bson.D) *Pipeline {
	return p.Stages(bson.D{{Key: "$addFields", Value: fields}})
}

// Unwind appends an $unwind stage on path, keeping documents whose array is
// missing or empty when preserveEmpty is set.
func (p *Pipeline) Unwind(path string, preserveEmpty bool) *Pipeline {
	return p.Stages(bson.D{{Key: "$unwind", Value: bson.D{
		{Key: "path", Value: fieldRef(path)},
		{Key: "preserveNullAndEmptyArrays", Value: preserveEmpty},
	}}})
}

// Lookup describes a $lookup. Pipeline, when set, runs against the joined
// collection after the key match.
type Lookup struct {
	From         string
	As           string
	LocalField   string
	ForeignField string
	Pipeline     *Pipeline
}

// Lookup appends a $lookup stage. Without a sub-pipeline it uses the plain
// localField/foreignField form.
func (p *Pipeline) Lookup(l Lookup) *Pipeline {
	if l.Pipeline == nil {
		return p.Stages(bson.D{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: l.From},
			{Key: "localField", Value: l.LocalField},
			{Key: "foreignField", Value: l.ForeignField},
			{Key: "as", Value: l.As},
		}}})
	}
	return p.Stages(correlatedLookup(l.As, l.From, l.LocalField, l.ForeignField, l.Pipeline.stages))
}

// HasOne joins at most one document from l.From and replaces the joined
// array with its first element.
func (p *Pipeline) HasOne(l Lookup) *Pipeline {
	var extra []bson.D
	if l.Pipeline != nil {
		extra = append(extra, l.Pipeline.stages...)
	}
	extra = append(extra, bson.D{{Key: "$limit", Value: int64(1)}})
	return p.
		Stages(correlatedLookup(l.As, l.From, l.LocalField, l.ForeignField, extra)).
		AddFields(firstElement(l.As))
}

// HasMany joins every matching document from l.From into an array.
func (p *Pipeline) HasMany(l Lookup) *Pipeline {
	var extra []bson.D
	if l.Pipeline != nil {
		extra = l.Pipeline.stages
	}
	return p.Stages(correlatedLookup(l.As, l.From, l.LocalField, l.ForeignField, extra))
}

// Build returns a copy of the accumulated stages.
func (p *Pipeline) Build() []bson.D {
	out := make([]bson.D, len(p.stages))
	copy(out, p.stages)
	return out
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// correlatedLookup binds the local key as $$pk and matches it against the
// foreign field before running extra.
func correlatedLookup(as, from, localField, foreignField string, extra []bson.D) bson.D {
	stages := bson.A{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "$expr", Value: bson.D{{Key: "$eq", Value: bson.A{"$$pk", fieldRef(foreignField)}}}},
		}}},
	}
	for _, s := range extra {
		stages = append(stages, s)
	}
	return bson.D{{Key: "$lookup", Value: bson.D{
		{Key: "as", Value: as},
		{Key: "from", Value: from},
		{Key: "let", Value: bson.D{{Key: "pk", Value: fieldRef(localField)}}},
		{Key: "pipeline", Value: stages},
	}}}
}

func firstElement(field string) bson.D {
	return bson.D{{Key: field, Value: bson.D{
		{Key: "$arrayElemAt", Value: bson.A{fieldRef(field), 0}},
	}}}
}

func fieldRef(field string) string {
	if len(field) > 0 && field[0] == '$' {
		return field
	}
	return "$" + field
}
