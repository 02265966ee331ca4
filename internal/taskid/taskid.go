// Package taskid defines the two-part task identifier used throughout
// foreman. IDs have a phase-major and task-minor component ("2.3") and a
// total numeric order, so "10.1" sorts after "2.1" even though a plain
// string comparison would put it first.
package taskid

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ID identifies a task as a (major, minor) pair. The major component is
// the phase number the task belongs to.
type ID struct {
	Major int
	Minor int
}

// Parse converts the "major.minor" string form into an ID.
func Parse(s string) (ID, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return ID{}, fmt.Errorf("invalid task id %q: expected major.minor", s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil || maj < 1 {
		return ID{}, fmt.Errorf("invalid task id %q: bad major component", s)
	}
	min, err := strconv.Atoi(minor)
	if err != nil || min < 1 {
		return ID{}, fmt.Errorf("invalid task id %q: bad minor component", s)
	}
	return ID{Major: maj, Minor: min}, nil
}

// MustParse is Parse that panics on malformed input. For use in tests
// and static tables.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the canonical "major.minor" form.
func (id ID) String() string {
	return strconv.Itoa(id.Major) + "." + strconv.Itoa(id.Minor)
}

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool {
	return id.Major == 0 && id.Minor == 0
}

// Compare returns -1, 0 or 1 ordering by major, then minor.
func (id ID) Compare(other ID) int {
	if id.Major != other.Major {
		if id.Major < other.Major {
			return -1
		}
		return 1
	}
	if id.Minor != other.Minor {
		if id.Minor < other.Minor {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether id orders before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// MarshalText implements encoding.TextMarshaler so IDs serialize as their
// string form in JSON values and map keys.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Sort orders ids ascending by (major, minor) in place.
func Sort(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}
