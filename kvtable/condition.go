package kvtable

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Condition is an expression with its attribute name and value placeholders.
// The zero Condition imposes nothing.
type Condition struct {
	Expression string
	Names      map[string]string
	Values     map[string]types.AttributeValue
}

// IsZero reports whether the condition has no expression.
func (c Condition) IsZero() bool { return c.Expression == "" }

// ConditionFrom builds a Condition from an expression builder condition.
func ConditionFrom(cond expression.ConditionBuilder) (Condition, error) {
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return Condition{}, fmt.Errorf("build condition: %w", err)
	}
	return Condition{
		Expression: *expr.Condition(),
		Names:      expr.Names(),
		Values:     expr.Values(),
	}, nil
}

// and joins two conditions. Placeholders must not collide.
func (c Condition) and(other Condition) Condition {
	switch {
	case other.IsZero():
		return c
	case c.IsZero():
		return other
	}
	return Condition{
		Expression: fmt.Sprintf("(%s) AND (%s)", c.Expression, other.Expression),
		Names:      mergeExprNames(c.Names, other.Names),
		Values:     mergeExprValues(c.Values, other.Values),
	}
}

// writeMode selects the existence precondition of a write.
type writeMode int

const (
	// modeCreate requires that no item with the key exists.
	modeCreate writeMode = iota
	// modePutUpdate requires that an item with the key exists.
	modePutUpdate
)

func (m writeMode) String() string {
	if m == modeCreate {
		return "create"
	}
	return "putUpdate"
}

// writeCondition derives the existence precondition for item under the primary index.
// Names are aliased as #pk/#sk so reserved words can be used as key attributes.
func writeCondition(primary Index, item map[string]types.AttributeValue, mode writeMode, ttl expiry) (Condition, error) {
	key, err := itemKey(primary, item)
	if err != nil {
		return Condition{}, err
	}

	cond := Condition{
		Names: map[string]string{"#pk": primary.Partition},
	}
	if primary.HasSort() {
		cond.Names["#sk"] = primary.Sort
	}

	switch mode {
	case modeCreate:
		cond.Expression = "attribute_not_exists(#pk)"
		if primary.HasSort() {
			cond.Expression += " AND attribute_not_exists(#sk)"
		}
		if ttl.enabled() {
			// An expired item still occupies the key until the store reaps it.
			cond.Expression = fmt.Sprintf("(%s) OR %s", cond.Expression, ttl.expiredExpr())
			cond.Names = mergeExprNames(cond.Names, ttl.names())
			cond.Values = ttl.values()
		}
	case modePutUpdate:
		cond.Expression = "#pk = :pk"
		cond.Values = map[string]types.AttributeValue{":pk": key[primary.Partition]}
		if primary.HasSort() {
			cond.Expression += " AND #sk = :sk"
			cond.Values[":sk"] = key[primary.Sort]
		}
		if ttl.enabled() {
			cond.Expression = fmt.Sprintf("%s AND (%s)", cond.Expression, ttl.liveExpr())
			cond.Names = mergeExprNames(cond.Names, ttl.names())
			cond.Values = mergeExprValues(cond.Values, ttl.values())
		}
	default:
		return Condition{}, fmt.Errorf("kvtable: unknown write mode %d", mode)
	}
	return cond, nil
}

// sortKeyOp is one sort key comparison supplied on QueryOptions.
type sortKeyOp struct {
	name  string
	value any
}

// sortKeyCondition builds the key condition fragment for the single sort key
// operator in opts. It returns the zero Condition when no operator is set or
// the index has no sort attribute.
func sortKeyCondition(idx Index, opts QueryOptions) (Condition, error) {
	var ops []sortKeyOp
	for _, op := range []sortKeyOp{
		{"eq", opts.Eq},
		{"lt", opts.Lt},
		{"lte", opts.Lte},
		{"gt", opts.Gt},
		{"gte", opts.Gte},
		{"beginsWith", opts.BeginsWith},
	} {
		if op.value != nil {
			ops = append(ops, op)
		}
	}
	if opts.Between != nil {
		ops = append(ops, sortKeyOp{"between", opts.Between})
	}

	if len(ops) > 1 {
		names := make([]string, len(ops))
		for i, op := range ops {
			names[i] = op.name
		}
		return Condition{}, fmt.Errorf("%w: %v", ErrAmbiguousSortKeyComparison, names)
	}
	if len(ops) == 0 || !idx.HasSort() {
		return Condition{}, nil
	}

	op := ops[0]
	cond := Condition{
		Names:  map[string]string{"#sk": idx.Sort},
		Values: map[string]types.AttributeValue{},
	}

	if op.name == "between" {
		if len(opts.Between) != 2 {
			return Condition{}, fmt.Errorf("%w: got %d", ErrInvalidRangeBounds, len(opts.Between))
		}
		for i, placeholder := range []string{":sklo", ":skhi"} {
			bound := opts.Between[i]
			if isUndefined(bound) {
				return Condition{}, fmt.Errorf("%w: between bound %d", ErrMissingSortKeyValue, i)
			}
			av, err := marshalValue(bound)
			if err != nil {
				return Condition{}, fmt.Errorf("marshal between bound %d: %w", i, err)
			}
			cond.Values[placeholder] = av
		}
		if cmp, ok := compareScalars(cond.Values[":sklo"], cond.Values[":skhi"]); ok && cmp > 0 {
			return Condition{}, fmt.Errorf("%w: lower bound %s is greater than upper bound %s",
				ErrInvalidRangeBounds, scalarString(cond.Values[":sklo"]), scalarString(cond.Values[":skhi"]))
		}
		cond.Expression = "#sk BETWEEN :sklo AND :skhi"
		return cond, nil
	}

	if isUndefined(op.value) {
		return Condition{}, fmt.Errorf("%w: %s", ErrMissingSortKeyValue, op.name)
	}
	av, err := marshalValue(op.value)
	if err != nil {
		return Condition{}, fmt.Errorf("marshal %s value: %w", op.name, err)
	}
	cond.Values[":sk"] = av

	switch op.name {
	case "eq":
		cond.Expression = "#sk = :sk"
	case "lt":
		cond.Expression = "#sk < :sk"
	case "lte":
		cond.Expression = "#sk <= :sk"
	case "gt":
		cond.Expression = "#sk > :sk"
	case "gte":
		cond.Expression = "#sk >= :sk"
	case "beginsWith":
		cond.Expression = "begins_with(#sk, :sk)"
	}
	return cond, nil
}

// compareScalars orders two key values of the same scalar type the way the
// store orders sort keys. ok is false for mixed or non-scalar types.
func compareScalars(a, b types.AttributeValue) (cmp int, ok bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		if bv, isS := b.(*types.AttributeValueMemberS); isS {
			return strings.Compare(av.Value, bv.Value), true
		}
	case *types.AttributeValueMemberN:
		if bv, isN := b.(*types.AttributeValueMemberN); isN {
			x, xok := new(big.Rat).SetString(av.Value)
			y, yok := new(big.Rat).SetString(bv.Value)
			if xok && yok {
				return x.Cmp(y), true
			}
		}
	case *types.AttributeValueMemberB:
		if bv, isB := b.(*types.AttributeValueMemberB); isB {
			return bytes.Compare(av.Value, bv.Value), true
		}
	}
	return 0, false
}

// partitionCondition builds the partition equality part of a key condition.
func partitionCondition(idx Index, partition any) (Condition, error) {
	if isUndefined(partition) {
		return Condition{}, fmt.Errorf("%w: %q", ErrMissingKeyAttribute, idx.Partition)
	}
	av, err := marshalValue(partition)
	if err != nil {
		return Condition{}, fmt.Errorf("marshal partition value: %w", err)
	}
	if isEmptyKeyValue(av) {
		return Condition{}, fmt.Errorf("%w: %q", ErrMissingKeyAttribute, idx.Partition)
	}
	return Condition{
		Expression: "#pk = :pk",
		Names:      map[string]string{"#pk": idx.Partition},
		Values:     map[string]types.AttributeValue{":pk": av},
	}, nil
}

// filterCondition builds a filter from an optional user condition and the TTL filter.
func filterCondition(user *expression.ConditionBuilder, ttl expiry) (Condition, error) {
	var cond Condition
	if user != nil {
		c, err := ConditionFrom(*user)
		if err != nil {
			return Condition{}, err
		}
		cond = c
	}
	if ttl.enabled() {
		cond = cond.and(ttl.filter())
	}
	return cond, nil
}
