package deductions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MembershipSet is a normalized set of concept numbers.
type MembershipSet map[int64]struct{}

// NewMembershipSet builds a set from integers.
func NewMembershipSet(values ...int64) MembershipSet {
	set := make(MembershipSet, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// Contains reports membership.
func (s MembershipSet) Contains(n int64) bool {
	_, ok := s[n]
	return ok
}

// Sorted returns the members in ascending order.
func (s MembershipSet) Sorted() []int64 {
	out := make([]int64, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON writes the set as a sorted integer array.
func (s MembershipSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON accepts the heterogeneous stored form.
func (s *MembershipSet) UnmarshalJSON(data []byte) error {
	parsed, err := ParseMembershipSet(data)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseMembershipSet reads a JSON array whose entries are integers or
// numeric strings, e.g. [3, "7", " 12 "]. Null and empty input yield an
// empty set. A string holding a JSON array is unwrapped once.
func ParseMembershipSet(raw []byte) (MembershipSet, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return MembershipSet{}, nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMembership, err)
		}
		inner = strings.TrimSpace(inner)
		if strings.HasPrefix(inner, "[") {
			return ParseMembershipSet([]byte(inner))
		}
		n, err := parseEntry(inner)
		if err != nil {
			return nil, err
		}
		return NewMembershipSet(n), nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMembership, err)
	}
	set := make(MembershipSet, len(entries))
	for _, entry := range entries {
		var text string
		if len(entry) > 0 && entry[0] == '"' {
			if err := json.Unmarshal(entry, &text); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMembership, err)
			}
		} else {
			text = string(entry)
		}
		n, err := parseEntry(text)
		if err != nil {
			return nil, err
		}
		set[n] = struct{}{}
	}
	return set, nil
}

func parseEntry(text string) (int64, error) {
	text = strings.TrimSpace(text)
	n, err := strconv.ParseInt(text, 10, 64)
	if err == nil {
		return n, nil
	}
	// integral floats such as 7.0
	f, ferr := strconv.ParseFloat(text, 64)
	if ferr == nil && f == float64(int64(f)) {
		return int64(f), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMembership, text)
}

// Assignment lists the memberships and specialties of one doctor.
type Assignment struct {
	DoctorID    int64         `json:"doctor_id"`
	Memberships MembershipSet `json:"memberships"`
	Specialties MembershipSet `json:"specialties"`
	// Invalid is set when the stored document could not be parsed. An
	// invalid assignment matches no concept.
	Invalid error `json:"-"`
}

// DecodeAssignment parses a stored assignment document. A malformed list
// marks the assignment Invalid, naming the doctor, instead of failing.
func DecodeAssignment(doctorID int64, memberships, specialties []byte) Assignment {
	a := Assignment{DoctorID: doctorID}
	var err error
	if a.Memberships, err = ParseMembershipSet(memberships); err != nil {
		a.Memberships = nil
		a.Invalid = fmt.Errorf("doctor %d memberships: %w", doctorID, err)
		return a
	}
	if a.Specialties, err = ParseMembershipSet(specialties); err != nil {
		a.Specialties = nil
		a.Invalid = fmt.Errorf("doctor %d specialties: %w", doctorID, err)
	}
	return a
}
