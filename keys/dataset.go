package keys

import (
	"errors"
	"fmt"
	"strings"
)

// Dataset entries are keyed by a single level byte (1-based nesting depth)
// followed by the full slash-separated path, all ASCII. The level byte keeps
// each depth in its own contiguous key range so that listing the children of
// a container is a single prefix scan.

// ErrInvalidDataSetName is returned when a dataset name contains a reserved
// character or is empty.
var ErrInvalidDataSetName = errors.New("keys: invalid dataset name")

// ValidateDataSetName rejects names containing '/' or '%', non-ASCII names,
// and the empty name.
func ValidateDataSetName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDataSetName)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '/' || c == '%' || c > 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidDataSetName, name)
		}
	}
	return nil
}

// DataSetKey builds the key of a dataset with the given nesting level,
// container path and name. The container path is empty for top-level
// datasets.
func DataSetKey(level uint8, container, name string) []byte {
	n := 1 + len(name)
	if container != "" {
		n += len(container) + 1
	}
	b := make([]byte, 0, n)
	b = append(b, level)
	if container != "" {
		b = append(b, container...)
		b = append(b, '/')
	}
	b = append(b, name...)
	return b
}

// DataSetPrefix builds the common prefix of all direct children of the given
// container at the given level.
func DataSetPrefix(level uint8, container string) []byte {
	if container == "" {
		return []byte{level}
	}
	b := make([]byte, 0, 2+len(container))
	b = append(b, level)
	b = append(b, container...)
	b = append(b, '/')
	return b
}

// SplitDataSetKey decodes a dataset key into its level and full path.
func SplitDataSetKey(key []byte) (level uint8, fullname string, err error) {
	if len(key) < 2 {
		return 0, "", fmt.Errorf("keys: dataset key too short (%d bytes)", len(key))
	}
	return key[0], string(key[1:]), nil
}

// SplitDataSetPath separates a full path into its container and final name.
func SplitDataSetPath(fullname string) (container, name string) {
	i := strings.LastIndexByte(fullname, '/')
	if i < 0 {
		return "", fullname
	}
	return fullname[:i], fullname[i+1:]
}

// JoinDataSetPath appends a name to a container path.
func JoinDataSetPath(container, name string) string {
	if container == "" {
		return name
	}
	return container + "/" + name
}

// DataSetLevel returns the 1-based nesting depth of a full path.
func DataSetLevel(fullname string) uint8 {
	return uint8(1 + strings.Count(fullname, "/"))
}
