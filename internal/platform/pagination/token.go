package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrInvalidPageToken indicates a cursor token that could not be decoded.
var ErrInvalidPageToken = errors.New("pagination: invalid page token")

// Cursor marks the position of the last item on the previous page.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// EncodeToken serialises a cursor into an opaque URL-safe token.
func EncodeToken(cursor Cursor) (string, error) {
	payload, err := json.Marshal(cursor)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// DecodeToken parses a token produced by EncodeToken. An empty token yields
// a zero cursor, meaning "start from the beginning".
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ErrInvalidPageToken
	}
	var cursor Cursor
	if err := json.Unmarshal(payload, &cursor); err != nil {
		return Cursor{}, ErrInvalidPageToken
	}
	if cursor.ID == "" {
		return Cursor{}, ErrInvalidPageToken
	}
	return cursor, nil
}
