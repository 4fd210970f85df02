package kvtable

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Cursor marks where a query or scan stopped. A nil Cursor means there are no
// more pages. Any non-nil Cursor, even an empty one, must be passed back as the
// next ExclusiveStartKey.
type Cursor = map[string]types.AttributeValue

// cursorAttr is the token form of one key attribute. Exactly one field is set.
type cursorAttr struct {
	S *string `json:"s,omitempty"`
	N *string `json:"n,omitempty"`
	B []byte  `json:"b,omitempty"`
}

// EncodeCursor renders a cursor as an opaque URL-safe token.
// A nil cursor encodes to the empty string.
func EncodeCursor(c Cursor) (string, error) {
	if c == nil {
		return "", nil
	}
	attrs := make(map[string]cursorAttr, len(c))
	for name, av := range c {
		switch v := av.(type) {
		case *types.AttributeValueMemberS:
			attrs[name] = cursorAttr{S: &v.Value}
		case *types.AttributeValueMemberN:
			attrs[name] = cursorAttr{N: &v.Value}
		case *types.AttributeValueMemberB:
			attrs[name] = cursorAttr{B: v.Value}
		default:
			return "", fmt.Errorf("kvtable: cursor attribute %q has unsupported type %T", name, av)
		}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses a token produced by EncodeCursor.
// The empty string decodes to a nil cursor.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var attrs map[string]cursorAttr
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	c := make(Cursor, len(attrs))
	for name, a := range attrs {
		switch {
		case a.S != nil:
			c[name] = &types.AttributeValueMemberS{Value: *a.S}
		case a.N != nil:
			c[name] = &types.AttributeValueMemberN{Value: *a.N}
		case a.B != nil:
			c[name] = &types.AttributeValueMemberB{Value: a.B}
		default:
			return nil, fmt.Errorf("decode cursor: attribute %q has no value", name)
		}
	}
	return c, nil
}
