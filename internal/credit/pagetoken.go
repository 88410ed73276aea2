package credit

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EncodePageToken renders a cursor as an opaque, URL-safe token.
func EncodePageToken(c Cursor) string {
	raw := strconv.FormatInt(c.CreatedAt.UTC().UnixNano(), 10) + "." + strconv.FormatInt(c.ID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodePageToken parses a token produced by EncodePageToken. An empty token yields a nil cursor.
func DecodePageToken(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	nanos, id, ok := strings.Cut(string(raw), ".")
	if !ok {
		return nil, ErrInvalidPageToken
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidPageToken
	}
	i, err := strconv.ParseInt(id, 10, 64)
	if err != nil || i <= 0 {
		return nil, ErrInvalidPageToken
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: i}, nil
}

// Before reports whether txn sorts strictly after the cursor in newest-first order.
func (c Cursor) Before(txn Transaction) bool {
	if txn.CreatedAt.Equal(c.CreatedAt) {
		return txn.ID < c.ID
	}
	return txn.CreatedAt.Before(c.CreatedAt)
}
