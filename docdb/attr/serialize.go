package attr

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/add-eus/library/docdb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Encode serializes document data for byte oriented storage.
func Encode(data docdb.Data) ([]byte, error) {
	item, err := FromData(data)
	if err != nil {
		return nil, err
	}
	serializable := make(map[string]serializableAV, len(item))
	for k, v := range item {
		s, err := toSerializable(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		serializable[k] = s
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(serializable); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(raw []byte) (docdb.Data, error) {
	var serializable map[string]serializableAV
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&serializable); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	item := make(Item, len(serializable))
	for k, v := range serializable {
		av, err := fromSerializable(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		item[k] = av
	}
	return ToData(item)
}

// serializableAV is a gob-encodable representation of an attribute value.
type serializableAV struct {
	Type  string
	Value any
}

func init() {
	gob.Register(map[string]serializableAV{})
	gob.Register([]serializableAV{})
	gob.Register([]string{})
	gob.Register([][]byte{})
}

func toSerializable(av types.AttributeValue) (serializableAV, error) {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return serializableAV{Type: "S", Value: v.Value}, nil
	case *types.AttributeValueMemberN:
		return serializableAV{Type: "N", Value: v.Value}, nil
	case *types.AttributeValueMemberB:
		return serializableAV{Type: "B", Value: v.Value}, nil
	case *types.AttributeValueMemberBOOL:
		return serializableAV{Type: "BOOL", Value: v.Value}, nil
	case *types.AttributeValueMemberNULL:
		return serializableAV{Type: "NULL", Value: v.Value}, nil
	case *types.AttributeValueMemberSS:
		return serializableAV{Type: "SS", Value: v.Value}, nil
	case *types.AttributeValueMemberNS:
		return serializableAV{Type: "NS", Value: v.Value}, nil
	case *types.AttributeValueMemberBS:
		return serializableAV{Type: "BS", Value: v.Value}, nil
	case *types.AttributeValueMemberM:
		m := make(map[string]serializableAV, len(v.Value))
		for k, val := range v.Value {
			s, err := toSerializable(val)
			if err != nil {
				return serializableAV{}, err
			}
			m[k] = s
		}
		return serializableAV{Type: "M", Value: m}, nil
	case *types.AttributeValueMemberL:
		l := make([]serializableAV, len(v.Value))
		for i, val := range v.Value {
			s, err := toSerializable(val)
			if err != nil {
				return serializableAV{}, err
			}
			l[i] = s
		}
		return serializableAV{Type: "L", Value: l}, nil
	}
	return serializableAV{}, fmt.Errorf("unsupported attribute value type %T", av)
}

func fromSerializable(s serializableAV) (types.AttributeValue, error) {
	switch s.Type {
	case "S":
		v, err := valueAs[string](s)
		return &types.AttributeValueMemberS{Value: v}, err
	case "N":
		v, err := valueAs[string](s)
		return &types.AttributeValueMemberN{Value: v}, err
	case "B":
		v, err := valueAs[[]byte](s)
		return &types.AttributeValueMemberB{Value: v}, err
	case "BOOL":
		v, err := valueAs[bool](s)
		return &types.AttributeValueMemberBOOL{Value: v}, err
	case "NULL":
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case "SS":
		v, err := valueAs[[]string](s)
		return &types.AttributeValueMemberSS{Value: v}, err
	case "NS":
		v, err := valueAs[[]string](s)
		return &types.AttributeValueMemberNS{Value: v}, err
	case "BS":
		v, err := valueAs[[][]byte](s)
		return &types.AttributeValueMemberBS{Value: v}, err
	case "M":
		src, err := valueAs[map[string]serializableAV](s)
		if err != nil {
			return nil, err
		}
		m := make(map[string]types.AttributeValue, len(src))
		for k, v := range src {
			av, err := fromSerializable(v)
			if err != nil {
				return nil, err
			}
			m[k] = av
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case "L":
		src, err := valueAs[[]serializableAV](s)
		if err != nil {
			return nil, err
		}
		l := make([]types.AttributeValue, len(src))
		for i, v := range src {
			av, err := fromSerializable(v)
			if err != nil {
				return nil, err
			}
			l[i] = av
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	}
	return nil, fmt.Errorf("unsupported serialized type %q", s.Type)
}

// valueAs returns the value of s as V. A missing value is the zero V, which gob produces
// for empty maps and lists.
func valueAs[V any](s serializableAV) (V, error) {
	var zero V
	if s.Value == nil {
		return zero, nil
	}
	v, ok := s.Value.(V)
	if !ok {
		return zero, fmt.Errorf("corrupt %s value of type %T", s.Type, s.Value)
	}
	return v, nil
}
