package ddbmem

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// parseNumber parses a DynamoDB number exactly.
func parseNumber(s string) (*big.Rat, bool) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	return r, ok
}

// compareValues orders two scalars of the same type. ok is false when the
// values are not comparable.
func compareValues(a, b types.AttributeValue) (cmp int, ok bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, isS := b.(*types.AttributeValueMemberS)
		if !isS {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, isN := b.(*types.AttributeValueMemberN)
		if !isN {
			return 0, false
		}
		ar, okA := parseNumber(av.Value)
		br, okB := parseNumber(bv.Value)
		if !okA || !okB {
			return 0, false
		}
		return ar.Cmp(br), true
	case *types.AttributeValueMemberB:
		bv, isB := b.(*types.AttributeValueMemberB)
		if !isB {
			return 0, false
		}
		return bytes.Compare(av.Value, bv.Value), true
	}
	return 0, false
}

// equalValues reports deep equality with set semantics for SS, NS and BS.
func equalValues(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS, *types.AttributeValueMemberN, *types.AttributeValueMemberB:
		cmp, ok := compareValues(a, b)
		return ok && cmp == 0
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	case *types.AttributeValueMemberSS:
		bv, ok := b.(*types.AttributeValueMemberSS)
		return ok && sameSet(len(av.Value), len(bv.Value), func(i, j int) bool { return av.Value[i] == bv.Value[j] })
	case *types.AttributeValueMemberNS:
		bv, ok := b.(*types.AttributeValueMemberNS)
		return ok && sameSet(len(av.Value), len(bv.Value), func(i, j int) bool {
			return equalValues(&types.AttributeValueMemberN{Value: av.Value[i]}, &types.AttributeValueMemberN{Value: bv.Value[j]})
		})
	case *types.AttributeValueMemberBS:
		bv, ok := b.(*types.AttributeValueMemberBS)
		return ok && sameSet(len(av.Value), len(bv.Value), func(i, j int) bool { return bytes.Equal(av.Value[i], bv.Value[j]) })
	case *types.AttributeValueMemberL:
		bv, ok := b.(*types.AttributeValueMemberL)
		if !ok || len(av.Value) != len(bv.Value) {
			return false
		}
		for i := range av.Value {
			if !equalValues(av.Value[i], bv.Value[i]) {
				return false
			}
		}
		return true
	case *types.AttributeValueMemberM:
		bv, ok := b.(*types.AttributeValueMemberM)
		if !ok || len(av.Value) != len(bv.Value) {
			return false
		}
		for k, v := range av.Value {
			other, exists := bv.Value[k]
			if !exists || !equalValues(v, other) {
				return false
			}
		}
		return true
	}
	return false
}

func sameSet(na, nb int, eq func(i, j int) bool) bool {
	if na != nb {
		return false
	}
	for i := 0; i < na; i++ {
		found := false
		for j := 0; j < nb; j++ {
			if eq(i, j) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// typeName returns the DynamoDB type descriptor of v.
func typeName(v types.AttributeValue) string {
	switch v.(type) {
	case *types.AttributeValueMemberS:
		return "S"
	case *types.AttributeValueMemberN:
		return "N"
	case *types.AttributeValueMemberB:
		return "B"
	case *types.AttributeValueMemberBOOL:
		return "BOOL"
	case *types.AttributeValueMemberNULL:
		return "NULL"
	case *types.AttributeValueMemberSS:
		return "SS"
	case *types.AttributeValueMemberNS:
		return "NS"
	case *types.AttributeValueMemberBS:
		return "BS"
	case *types.AttributeValueMemberL:
		return "L"
	case *types.AttributeValueMemberM:
		return "M"
	}
	return ""
}

// keyString encodes a scalar key value so equal numbers share one encoding.
func keyString(v types.AttributeValue) (string, error) {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		if av.Value == "" {
			return "", fmt.Errorf("empty string key value")
		}
		return "S:" + av.Value, nil
	case *types.AttributeValueMemberN:
		r, ok := parseNumber(av.Value)
		if !ok {
			return "", fmt.Errorf("invalid number %q", av.Value)
		}
		return "N:" + r.RatString(), nil
	case *types.AttributeValueMemberB:
		if len(av.Value) == 0 {
			return "", fmt.Errorf("empty binary key value")
		}
		return fmt.Sprintf("B:%x", av.Value), nil
	}
	return "", fmt.Errorf("key value must be S, N or B, got %s", typeName(v))
}

// size implements the size() function.
func size(v types.AttributeValue) (int, bool) {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return len(av.Value), true
	case *types.AttributeValueMemberB:
		return len(av.Value), true
	case *types.AttributeValueMemberSS:
		return len(av.Value), true
	case *types.AttributeValueMemberNS:
		return len(av.Value), true
	case *types.AttributeValueMemberBS:
		return len(av.Value), true
	case *types.AttributeValueMemberL:
		return len(av.Value), true
	case *types.AttributeValueMemberM:
		return len(av.Value), true
	}
	return 0, false
}

// cloneItem copies the top-level map so callers cannot mutate stored items.
func cloneItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
