package contract

import (
	"fmt"
	"strconv"
)

// Paging defaults shared by every list action.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Paginate slices items using an opaque numeric offset cursor. The returned
// next cursor is empty when no items remain. schemaID names the action for
// the ValidationError returned on a malformed cursor.
func Paginate[T any](schemaID string, items []T, cursor string, limit int) ([]T, string, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", &ValidationError{
				SchemaID: schemaID,
				Errors:   []string{fmt.Sprintf("cursor: %q is not a valid cursor", cursor)},
			}
		}
		offset = n
	}
	if offset >= len(items) {
		return []T{}, "", nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	next := ""
	if end < len(items) {
		next = strconv.Itoa(end)
	}
	return items[offset:end], next, nil
}
