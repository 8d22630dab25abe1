package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/audit/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	cursor := &store.Cursor{
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		ID:        "0b6f6c1e-5c83-4f7e-9d0c-3f6d2f5a9b11",
	}

	decoded, err := DecodeCursor(EncodeCursor(cursor))
	require.NoError(t, err)
	assert.True(t, cursor.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, cursor.ID, decoded.ID)
}

func TestDecodeCursor(t *testing.T) {
	got, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, EncodeCursor(nil))

	for _, raw := range []string{
		"not base64!",
		base64.URLEncoding.EncodeToString([]byte("no-separator")),
		base64.URLEncoding.EncodeToString([]byte("abc|id")),
		base64.URLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := DecodeCursor(raw)
		assert.ErrorIs(t, err, domain.ErrInvalidCursor, raw)
	}
}
