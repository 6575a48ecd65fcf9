package pipeline

import (
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Operator is a comparison applied by MatchField.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpIn  Operator = "in"
	OpNin Operator = "nin"
	OpOr  Operator = "or"
)

func (o Operator) valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpOr:
		return true
	}
	return false
}

// Filter pairs an explicit operator with its operand.
type Filter struct {
	Op    Operator
	Value any
}

// Op builds a Filter.
func Op(op Operator, value any) Filter { return Filter{Op: op, Value: value} }

// Transform maps a filter operand to its stored representation.
type Transform func(any) any

// MatchField builds a {field: {$op: value}} match document.
//
// filter is either a Filter or a bare value. Bare slices match with $in and
// other bare values with $eq. transform, when set, is applied to the operand
// or to each slice element. An $in with no elements matches everything and
// yields an empty document.
func MatchField(field string, filter any, transform Transform) (bson.D, error) {
	op := Operator("")
	value := filter
	if f, ok := filter.(Filter); ok {
		if !f.Op.valid() {
			return nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
		op = f.Op
		value = f.Value
	}

	list, isList := asList(value)
	if transform != nil {
		if isList {
			for i := range list {
				list[i] = transform(list[i])
			}
		} else {
			value = transform(value)
		}
	}
	if isList {
		value = list
	}

	if op == "" {
		op = OpEq
		if isList {
			op = OpIn
		}
	}

	if op == OpIn && isList && len(list) == 0 {
		return bson.D{}, nil
	}

	return bson.D{{Key: field, Value: bson.D{{Key: "$" + string(op), Value: value}}}}, nil
}

// asList copies slices and arrays (other than []byte) into a bson.A.
func asList(v any) (bson.A, bool) {
	if v == nil {
		return nil, false
	}
	if _, ok := v.([]byte); ok {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make(bson.A, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
