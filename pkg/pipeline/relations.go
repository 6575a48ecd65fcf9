package pipeline

import "go.mongodb.org/mongo-driver/v2/bson"

// Relation describes a join from the current collection to From.
type Relation struct {
	// LocalField is the join key on the current collection.
	LocalField string
	// ForeignField is the join key on the remote collection.
	ForeignField string
	// From is the remote collection.
	From string
	// Match optionally narrows the related documents.
	Match bson.D
}

// HasManyRelation returns the stages that join every related document into
// name. With no Match it uses the plain $lookup form.
func HasManyRelation(name string, r Relation) []bson.D {
	if r.Match == nil {
		return New().Lookup(Lookup{
			From:         r.From,
			As:           name,
			LocalField:   r.LocalField,
			ForeignField: r.ForeignField,
		}).Build()
	}

	filter := bson.D{
		{Key: "$expr", Value: bson.D{{Key: "$eq", Value: bson.A{fieldRef(r.ForeignField), "$$pk"}}}},
	}
	filter = append(filter, r.Match...)
	return []bson.D{{{Key: "$lookup", Value: bson.D{
		{Key: "as", Value: name},
		{Key: "from", Value: r.From},
		{Key: "let", Value: bson.D{{Key: "pk", Value: fieldRef(r.LocalField)}}},
		{Key: "pipeline", Value: bson.A{bson.D{{Key: "$match", Value: filter}}}},
	}}}}
}

// HasOneRelation is HasManyRelation followed by replacing name with its first
// element. Array-valued join keys are not supported.
func HasOneRelation(name string, r Relation) []bson.D {
	stages := HasManyRelation(name, r)
	return append(stages, bson.D{{Key: "$addFields", Value: firstElement(name)}})
}
