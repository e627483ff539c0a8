package metadata

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/constraints"
)

// GetAligned rounds operand up to the next multiple of granularity, which must be a power of two.
func GetAligned[T constraints.Unsigned](operand, granularity T) T {
	if granularity == 0 {
		return operand
	}
	return (operand + (granularity - 1)) &^ (granularity - 1)
}

// parseEnum looks a single name token up in names.
func parseEnum[T any](s string, names map[string]T, typeName string) (T, error) {
	if v, ok := names[strings.ToLower(strings.TrimSpace(s))]; ok {
		return v, nil
	}
	var zero T
	return zero, fmt.Errorf("string %s is not a valid %s", s, typeName)
}

// parseMask ORs every whitespace separated name token of s. An empty string is the zero mask.
func parseMask[T constraints.Unsigned](s string, names map[string]T, typeName string) (T, error) {
	var mask T
	for _, tok := range strings.Fields(s) {
		v, ok := names[strings.ToLower(tok)]
		if !ok {
			return 0, fmt.Errorf("string %s is not a valid %s", tok, typeName)
		}
		mask |= v
	}
	return mask, nil
}

// enumName is the inverse lookup of a name table. Masks print as sorted, space separated names.
func enumName[T comparable](v T, names map[string]T) string {
	for name, candidate := range names {
		if candidate == v {
			return name
		}
	}
	return fmt.Sprintf("%v", v)
}

func maskNames[T constraints.Unsigned](v T, names map[string]T) string {
	var parts []string
	for name, bit := range names {
		if bit != 0 && v&bit == bit {
			parts = append(parts, name)
		}
	}
	slices.Sort(parts)
	return strings.Join(parts, " ")
}
