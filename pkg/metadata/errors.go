// ABOUTME: Error taxonomy for the metadata store
// ABOUTME: Sentinels are wrapped with context and matched with errors.Is

package metadata

import (
	"errors"

	"github.com/nainya/vizmeta/pkg/dimension"
)

var (
	// ErrInvalidInput indicates an item whose id or name cannot be resolved
	ErrInvalidInput = errors.New("metadata: invalid input")

	// ErrInvalidDimensionID indicates a malformed compound dimension id
	ErrInvalidDimensionID = dimension.ErrInvalidDimensionID

	// ErrAmbiguousSegment indicates a two-segment prefix that is neither a program nor a program stage
	ErrAmbiguousSegment = errors.New("metadata: ambiguous dimension segment")

	// ErrTypeMismatch indicates a stored item that does not fit its role in a dimension id
	ErrTypeMismatch = errors.New("metadata: type mismatch")

	// ErrUnknownInputShape marks AddMetadata input that is neither item, array nor keyed record.
	// It is logged, never returned.
	ErrUnknownInputShape = errors.New("metadata: unknown input shape")
)
