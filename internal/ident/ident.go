// Package ident models row identifiers that may come from either storage
// backend: an auto-increment integer assigned by the primary store, or an
// opaque string key assigned by the document store.
package ident

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalid = errors.New("invalid identifier")

// ID is either a LocalID or a RemoteID. The interface is sealed so callers
// switch over exactly those two cases.
type ID interface {
	fmt.Stringer
	isID()
}

// LocalID is the integer key assigned by the primary (relational) store.
type LocalID int64

func (LocalID) isID() {}

func (l LocalID) String() string {
	return strconv.FormatInt(int64(l), 10)
}

// RemoteID is the opaque key assigned by the replica (document) store.
type RemoteID string

func (RemoteID) isID() {}

func (r RemoteID) String() string {
	return string(r)
}

// NewRemote returns a fresh time-ordered remote key.
func NewRemote() RemoteID {
	id, err := uuid.NewV7()
	if err != nil {
		return RemoteID(uuid.NewString())
	}
	return RemoteID(id.String())
}

// Parse classifies a raw identifier: numeric input is a LocalID, any other
// non-empty string is a RemoteID.
func Parse(raw any) (ID, error) {
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("%w: empty", ErrInvalid)
	case LocalID:
		return v, nil
	case RemoteID:
		if strings.TrimSpace(string(v)) == "" {
			return nil, fmt.Errorf("%w: empty", ErrInvalid)
		}
		return v, nil
	case int:
		return LocalID(v), nil
	case int32:
		return LocalID(v), nil
	case int64:
		return LocalID(v), nil
	case uint32:
		return LocalID(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d out of range", ErrInvalid, v)
		}
		return LocalID(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, fmt.Errorf("%w: %v is not an integer", ErrInvalid, v)
		}
		return LocalID(int64(v)), nil
	case []byte:
		return Parse(string(v))
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, fmt.Errorf("%w: empty", ErrInvalid)
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return LocalID(n), nil
		}
		return RemoteID(s), nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalid, raw)
	}
}

// ParseOptional is Parse for nullable references: nil and blank input yield
// a nil ID without error.
func ParseOptional(raw any) (ID, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
	case []byte:
		if len(strings.TrimSpace(string(v))) == 0 {
			return nil, nil
		}
	}
	return Parse(raw)
}

// Local reports the integer form of id, if it has one.
func Local(id ID) (LocalID, bool) {
	l, ok := id.(LocalID)
	return l, ok
}

// Remote reports the string form of id, if it has one.
func Remote(id ID) (RemoteID, bool) {
	r, ok := id.(RemoteID)
	return r, ok
}

// Equal compares two identifiers of possibly different kinds. A LocalID never
// equals a RemoteID; reconciling the two takes a row lookup.
func Equal(a, b ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}
