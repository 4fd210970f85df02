package kvtable

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Key identifies one item of the primary index.
//
// A Key is either a bare partition value, valid only when the primary index has
// no sort attribute, or an explicit attribute mapping used as given.
type Key struct {
	partition any
	attrs     map[string]any
}

// Partition returns a Key made of the partition value alone.
func Partition(v any) Key {
	return Key{partition: v}
}

// KeyAttrs returns a Key from an explicit attribute mapping. The caller must
// include the sort attribute when the primary index declares one.
func KeyAttrs(attrs map[string]any) Key {
	return Key{attrs: attrs}
}

func (k Key) String() string {
	if k.attrs == nil {
		if k.partition == nil {
			return ""
		}
		return describeValue(k.partition)
	}
	names := make([]string, 0, len(k.attrs))
	for name := range k.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + describeValue(k.attrs[name])
	}
	return strings.Join(parts, ",")
}

// resolveKey converts k into the store's key representation.
func resolveKey(primary Index, k Key) (map[string]types.AttributeValue, error) {
	if k.attrs != nil {
		if len(k.attrs) == 0 {
			return nil, fmt.Errorf("%w: empty key", ErrMissingKeyAttribute)
		}
		key := make(map[string]types.AttributeValue, len(k.attrs))
		for name, v := range k.attrs {
			av, err := marshalValue(v)
			if err != nil {
				return nil, fmt.Errorf("marshal key attribute %q: %w", name, err)
			}
			if isEmptyKeyValue(av) {
				return nil, fmt.Errorf("%w: %q is empty", ErrMissingKeyAttribute, name)
			}
			key[name] = av
		}
		return key, nil
	}

	if primary.HasSort() {
		return nil, fmt.Errorf("%w: bare key given but primary index requires %q", ErrMissingKeyAttribute, primary.Sort)
	}
	if isUndefined(k.partition) {
		return nil, fmt.Errorf("%w: %q", ErrMissingKeyAttribute, primary.Partition)
	}
	av, err := marshalValue(k.partition)
	if err != nil {
		return nil, fmt.Errorf("marshal key attribute %q: %w", primary.Partition, err)
	}
	if isEmptyKeyValue(av) {
		return nil, fmt.Errorf("%w: %q is empty", ErrMissingKeyAttribute, primary.Partition)
	}
	return map[string]types.AttributeValue{primary.Partition: av}, nil
}

// itemKey extracts the primary key attributes from a marshalled item.
func itemKey(primary Index, item map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	pk, ok := item[primary.Partition]
	if !ok || isEmptyKeyValue(pk) {
		return nil, fmt.Errorf("%w: item has no %q", ErrMissingKeyAttribute, primary.Partition)
	}
	key := map[string]types.AttributeValue{primary.Partition: pk}
	if primary.HasSort() {
		sk, ok := item[primary.Sort]
		if !ok || isEmptyKeyValue(sk) {
			return nil, fmt.Errorf("%w: item has no %q", ErrMissingKeyAttribute, primary.Sort)
		}
		key[primary.Sort] = sk
	}
	return key, nil
}

// describeKey renders a store key for error messages, e.g. "id=x1,ts=10".
func describeKey(key map[string]types.AttributeValue) string {
	names := make([]string, 0, len(key))
	for name := range key {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + scalarString(key[name])
	}
	return strings.Join(parts, ",")
}

// describeValue renders a key value given either as a Go value or an attribute value.
func describeValue(v any) string {
	if av, ok := v.(types.AttributeValue); ok {
		return scalarString(av)
	}
	return fmt.Sprint(v)
}

func scalarString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	case *types.AttributeValueMemberB:
		return fmt.Sprintf("%x", v.Value)
	default:
		return fmt.Sprintf("%T", av)
	}
}

// marshalValue converts a Go value to an attribute value, passing attribute values through.
func marshalValue(v any) (types.AttributeValue, error) {
	if av, ok := v.(types.AttributeValue); ok {
		return av, nil
	}
	return attributevalue.Marshal(v)
}

// isUndefined reports whether v is nil or a nil pointer, map, slice or interface.
func isUndefined(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func isEmptyKeyValue(av types.AttributeValue) bool {
	switch v := av.(type) {
	case nil, *types.AttributeValueMemberNULL:
		return true
	case *types.AttributeValueMemberS:
		return v.Value == ""
	case *types.AttributeValueMemberN:
		return v.Value == ""
	case *types.AttributeValueMemberB:
		return len(v.Value) == 0
	}
	return false
}
