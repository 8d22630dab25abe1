package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/audit/store"
)

// DecodeCursor parses an opaque page cursor. An empty string is the first page.
func DecodeCursor(cursorStr string) (*store.Cursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidCursor, err)
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("%w: unexpected format", domain.ErrInvalidCursor)
	}

	var createdAt int64
	if _, err := fmt.Sscanf(decodedParts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("%w: invalid created_at: %v", domain.ErrInvalidCursor, err)
	}

	return &store.Cursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		ID:        decodedParts[1],
	}, nil
}

// EncodeCursor renders a keyset position as an opaque page cursor
func EncodeCursor(cursor *store.Cursor) string {
	if cursor == nil {
		return ""
	}
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.ID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
