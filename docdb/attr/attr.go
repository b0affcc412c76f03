// Package attr converts document data to and from DynamoDB attribute values.
//
// DynamoDB has no timestamp or geopoint type, so those are stored as single-key maps
// tagged with [TimeTag] and [GeoTag]. Numbers without a fraction or exponent decode as
// int64, every other number as float64.
package attr

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/add-eus/library/docdb"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	TimeTag = "__time__"
	GeoTag  = "__geo__"
)

// Item is a raw DynamoDB item.
type Item = map[string]types.AttributeValue

// FromData converts document data to an item.
func FromData(data docdb.Data) (Item, error) {
	item := make(Item, len(data))
	for k, v := range data {
		if docdb.IsDeleteField(v) {
			continue
		}
		av, err := Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		item[k] = av
	}
	return item, nil
}

// ToData converts an item back to document data.
func ToData(item Item) (docdb.Data, error) {
	data := make(docdb.Data, len(item))
	for k, av := range item {
		v, err := Unmarshal(av)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		data[k] = v
	}
	return data, nil
}

// Marshal converts a single document value.
func Marshal(v any) (types.AttributeValue, error) {
	switch v := v.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: v}, nil
	case string:
		return &types.AttributeValueMemberS{Value: v}, nil
	case []byte:
		return &types.AttributeValueMemberB{Value: v}, nil
	case int:
		return number(strconv.FormatInt(int64(v), 10)), nil
	case int32:
		return number(strconv.FormatInt(int64(v), 10)), nil
	case int64:
		return number(strconv.FormatInt(v, 10)), nil
	case uint64:
		return number(strconv.FormatUint(v, 10)), nil
	case float32:
		return number(formatFloat(float64(v))), nil
	case float64:
		return number(formatFloat(v)), nil
	case time.Time:
		return &types.AttributeValueMemberM{Value: Item{
			TimeTag: &types.AttributeValueMemberS{Value: v.UTC().Format(time.RFC3339Nano)},
		}}, nil
	case docdb.GeoPoint:
		return &types.AttributeValueMemberM{Value: Item{
			GeoTag: &types.AttributeValueMemberL{Value: []types.AttributeValue{
				number(formatFloat(v.Lat)),
				number(formatFloat(v.Lng)),
			}},
		}}, nil
	case map[string]any:
		m, err := FromData(v)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case []any:
		l := make([]types.AttributeValue, len(v))
		for i := range v {
			av, err := Marshal(v[i])
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			l[i] = av
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		l := make([]any, rv.Len())
		for i := range l {
			l[i] = rv.Index(i).Interface()
		}
		return Marshal(l)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return number(strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return number(strconv.FormatUint(rv.Uint(), 10)), nil
	}
	// structs, typed maps and anything else the SDK knows how to encode
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return av, nil
}

// Unmarshal converts a single attribute value.
func Unmarshal(av types.AttributeValue) (any, error) {
	switch v := av.(type) {
	case *types.AttributeValueMemberNULL:
		return nil, nil
	case *types.AttributeValueMemberBOOL:
		return v.Value, nil
	case *types.AttributeValueMemberS:
		return v.Value, nil
	case *types.AttributeValueMemberB:
		return v.Value, nil
	case *types.AttributeValueMemberN:
		return parseNumber(v.Value)
	case *types.AttributeValueMemberSS:
		out := make([]any, len(v.Value))
		for i := range v.Value {
			out[i] = v.Value[i]
		}
		return out, nil
	case *types.AttributeValueMemberNS:
		out := make([]any, len(v.Value))
		for i := range v.Value {
			n, err := parseNumber(v.Value[i])
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case *types.AttributeValueMemberBS:
		out := make([]any, len(v.Value))
		for i := range v.Value {
			out[i] = v.Value[i]
		}
		return out, nil
	case *types.AttributeValueMemberL:
		out := make([]any, len(v.Value))
		for i := range v.Value {
			x, err := Unmarshal(v.Value[i])
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	case *types.AttributeValueMemberM:
		if t, ok := taggedTime(v.Value); ok {
			return t, nil
		}
		if g, ok := taggedGeo(v.Value); ok {
			return g, nil
		}
		return ToData(v.Value)
	}
	return nil, fmt.Errorf("unsupported attribute value %T", av)
}

func number(s string) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: s}
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") && !strings.Contains(s, "Inf") && s != "NaN" {
		// keep floats distinguishable from integers after a round trip
		s += ".0"
	}
	return s
}

func parseNumber(s string) (any, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("parse number %q: %w", s, err)
	}
	return f, nil
}

func taggedTime(m Item) (time.Time, bool) {
	if len(m) != 1 {
		return time.Time{}, false
	}
	s, ok := m[TimeTag].(*types.AttributeValueMemberS)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s.Value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func taggedGeo(m Item) (docdb.GeoPoint, bool) {
	if len(m) != 1 {
		return docdb.GeoPoint{}, false
	}
	l, ok := m[GeoTag].(*types.AttributeValueMemberL)
	if !ok || len(l.Value) != 2 {
		return docdb.GeoPoint{}, false
	}
	lat, ok1 := l.Value[0].(*types.AttributeValueMemberN)
	lng, ok2 := l.Value[1].(*types.AttributeValueMemberN)
	if !ok1 || !ok2 {
		return docdb.GeoPoint{}, false
	}
	la, err1 := strconv.ParseFloat(lat.Value, 64)
	lo, err2 := strconv.ParseFloat(lng.Value, 64)
	if err1 != nil || err2 != nil {
		return docdb.GeoPoint{}, false
	}
	return docdb.GeoPoint{Lat: la, Lng: lo}, true
}
