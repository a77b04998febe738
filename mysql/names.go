package mysql

import (
	"fmt"
	"strings"
)

const stepsTableSuffix = "_steps"

func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" || strings.IndexFunc(part, invalidIdentRune) >= 0 {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
	}

	return name, nil
}

func invalidIdentRune(r rune) bool {
	switch {
	case r == '_', r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return false
	default:
		return true
	}
}

// stepsTable is the saga step table paired with an instance table.
func stepsTable(table string) string {
	return table + stepsTableSuffix
}
