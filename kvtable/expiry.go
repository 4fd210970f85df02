package kvtable

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// expiry evaluates the table's TTL attribute at a fixed instant.
type expiry struct {
	attr string
	now  time.Time
}

func (e expiry) enabled() bool { return e.attr != "" }

// expired reports whether item has a TTL at or before now.
// Items without a numeric TTL never expire.
func (e expiry) expired(item map[string]types.AttributeValue) bool {
	if !e.enabled() {
		return false
	}
	ttlAttr, exists := item[e.attr]
	if !exists {
		return false
	}
	ttlNum, ok := ttlAttr.(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	ttl, err := strconv.ParseInt(ttlNum.Value, 10, 64)
	if err != nil {
		return false
	}
	return ttl <= e.now.Unix()
}

// liveExpr matches items without TTL or with a TTL in the future.
func (e expiry) liveExpr() string {
	return "attribute_not_exists(#ttl) OR #ttl > :now"
}

// expiredExpr matches items whose TTL has passed.
func (e expiry) expiredExpr() string {
	return "#ttl <= :now"
}

func (e expiry) names() map[string]string {
	return map[string]string{"#ttl": e.attr}
}

func (e expiry) values() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{
			Value: strconv.FormatInt(e.now.Unix(), 10),
		},
	}
}

// filter excludes expired items from query and scan results.
func (e expiry) filter() Condition {
	return Condition{
		Expression: e.liveExpr(),
		Names:      e.names(),
		Values:     e.values(),
	}
}

// mergeExprNames merges multiple expression attribute name maps.
func mergeExprNames(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// mergeExprValues merges multiple expression attribute value maps.
func mergeExprValues(maps ...map[string]types.AttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// nilIfEmptyNames and nilIfEmptyValues avoid sending empty placeholder maps,
// which the store rejects.
func nilIfEmptyNames(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func nilIfEmptyValues(m map[string]types.AttributeValue) map[string]types.AttributeValue {
	if len(m) == 0 {
		return nil
	}
	return m
}
