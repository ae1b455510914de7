package record

import (
	"fmt"
	"strings"
)

const idSuffixAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345"

// NormalizeID validates a remote record id and returns its 18 character,
// case-insensitive form.
//
// Remote ids are 15 character case-sensitive base-62 strings. The 18
// character form appends a three character checksum that encodes the case
// of each five character chunk. An 18 character id is returned with its
// checksum recomputed from the first 15 characters.
func NormalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if len(id) != 15 && len(id) != 18 {
		return "", fmt.Errorf("invalid remote id %q: length %d, want 15 or 18", id, len(id))
	}
	for i := 0; i < len(id); i++ {
		if !isAlnum(id[i]) {
			return "", fmt.Errorf("invalid remote id %q: character %q at %d", id, id[i], i)
		}
	}
	base := id[:15]
	return base + checksum(base), nil
}

// ValidID reports whether id is a well-formed 15 or 18 character remote id.
func ValidID(id string) bool {
	_, err := NormalizeID(id)
	return err == nil
}

// SameID reports whether two ids refer to the same remote record.
func SameID(a, b string) bool {
	na, errA := NormalizeID(a)
	nb, errB := NormalizeID(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return na == nb
}

func checksum(base string) string {
	var out [3]byte
	for chunk := 0; chunk < 3; chunk++ {
		bits := 0
		for i := 0; i < 5; i++ {
			c := base[chunk*5+i]
			if c >= 'A' && c <= 'Z' {
				bits |= 1 << i
			}
		}
		out[chunk] = idSuffixAlphabet[bits]
	}
	return string(out[:])
}

func isAlnum(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
