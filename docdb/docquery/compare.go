// Package docquery evaluates docdb queries against in-memory snapshots.
//
// Backends without native support for the query language (the badger store, the DynamoDB
// adapter after a partition read) load candidate documents and hand them to [Run].
package docquery

import (
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/add-eus/library/docdb"
)

// Type ranks follow the cross-type ordering of hierarchical document stores.
const (
	rankNull = iota
	rankBool
	rankNumber
	rankTime
	rankString
	rankBytes
	rankGeo
	rankArray
	rankMap
	rankOther
)

func rank(v any) int {
	switch v := v.(type) {
	case nil:
		return rankNull
	case bool:
		return rankBool
	case time.Time:
		return rankTime
	case string:
		return rankString
	case []byte:
		return rankBytes
	case docdb.GeoPoint:
		return rankGeo
	case []any:
		return rankArray
	case map[string]any:
		return rankMap
	default:
		if _, ok := toFloat(v); ok {
			return rankNumber
		}
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			return rankArray
		case reflect.Map:
			return rankMap
		}
		return rankOther
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Compare orders two field values. It returns -1, 0 or 1.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch ra {
	case rankNull:
		return 0
	case rankBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case rankNumber:
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		return cmpFloat(af, bf)
	case rankTime:
		return a.(time.Time).Compare(b.(time.Time))
	case rankString:
		return strings.Compare(a.(string), b.(string))
	case rankBytes:
		return strings.Compare(string(a.([]byte)), string(b.([]byte)))
	case rankGeo:
		ag, bg := a.(docdb.GeoPoint), b.(docdb.GeoPoint)
		if c := cmpFloat(ag.Lat, bg.Lat); c != 0 {
			return c
		}
		return cmpFloat(ag.Lng, bg.Lng)
	case rankArray:
		as, bs := asSlice(a), asSlice(b)
		for i := 0; i < len(as) && i < len(bs); i++ {
			if c := Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(as), len(bs))
	case rankMap:
		if Equal(a, b) {
			return 0
		}
		return cmpInt(reflect.ValueOf(a).Len(), reflect.ValueOf(b).Len())
	}
	return 0
}

// Equal reports deep equality with numeric values compared by value.
func Equal(a, b any) bool {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return false
	}
	switch ra {
	case rankNumber:
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		return af == bf
	case rankTime:
		return a.(time.Time).Equal(b.(time.Time))
	case rankArray:
		as, bs := asSlice(a), asSlice(b)
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !Equal(as[i], bs[i]) {
				return false
			}
		}
		return true
	case rankMap:
		am, bm := asMap(a), asMap(b)
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func asSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case math.IsNaN(a) && math.IsNaN(b):
		return 0
	case math.IsNaN(a):
		return -1
	case math.IsNaN(b):
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
