// ABOUTME: Compound dimension id parsing
// ABOUTME: Splits [program.][programStage[<repetition>].]dimension into its parts

package dimension

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidDimensionID indicates a malformed compound dimension id
var ErrInvalidDimensionID = errors.New("dimension: invalid dimension id")

// MaxSegments is the largest number of dot-separated segments in a dimension id
const MaxSegments = 3

// repetitionPattern finds a [n] suffix; it must end its segment
var repetitionPattern = regexp.MustCompile(`\[(-?\d+)\]`)

// ID is a parsed compound dimension id.
//
// With three segments the prefix is positional: program, then stage. With two
// segments the prefix may be either a program or a stage; it is kept in
// Qualifier and resolved against stored metadata by the caller.
type ID struct {
	Raw             string
	Segments        []string
	DimensionID     string
	ProgramID       string
	ProgramStageID  string
	Qualifier       string
	RepetitionIndex string // digits of the [n] suffix, "" when absent

	repetitionSegment int
}

// HasRepetition reports whether the id carried a repetition suffix
func (id ID) HasRepetition() bool {
	return id.RepetitionIndex != ""
}

// String renders the id back into compound form
func (id ID) String() string {
	parts := make([]string, len(id.Segments))
	copy(parts, id.Segments)
	if id.HasRepetition() && id.repetitionSegment < len(parts) {
		parts[id.repetitionSegment] += "[" + id.RepetitionIndex + "]"
	}
	return strings.Join(parts, ".")
}

// Parse splits a compound dimension id.
func Parse(input string) (ID, error) {
	if input == "" {
		return ID{}, fmt.Errorf("%w: empty", ErrInvalidDimensionID)
	}

	id := ID{Raw: input}
	stripped := input

	matches := repetitionPattern.FindAllStringSubmatchIndex(input, -1)
	switch len(matches) {
	case 0:
	case 1:
		m := matches[0]
		if m[1] < len(input) && input[m[1]] != '.' {
			return ID{}, fmt.Errorf("%w: %q has a repetition suffix inside a segment", ErrInvalidDimensionID, input)
		}
		id.RepetitionIndex = input[m[2]:m[3]]
		id.repetitionSegment = strings.Count(input[:m[0]], ".")
		stripped = input[:m[0]] + input[m[1]:]
	default:
		return ID{}, fmt.Errorf("%w: %q has more than one repetition suffix", ErrInvalidDimensionID, input)
	}

	segments := strings.Split(stripped, ".")
	if len(segments) > MaxSegments {
		return ID{}, fmt.Errorf("%w: %q has %d segments", ErrInvalidDimensionID, input, len(segments))
	}
	for i, s := range segments {
		if s == "" {
			return ID{}, fmt.Errorf("%w: %q has an empty segment at %d", ErrInvalidDimensionID, input, i)
		}
	}

	id.Segments = segments
	id.DimensionID = segments[len(segments)-1]
	switch len(segments) {
	case 2:
		id.Qualifier = segments[0]
	case 3:
		id.ProgramID = segments[0]
		id.ProgramStageID = segments[1]
	}

	return id, nil
}
