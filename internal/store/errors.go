package store

import (
	"errors"
	"fmt"
	"strings"

	"cafepos/internal/ident"
)

// Kind classifies a storage failure so callers can decide between surfacing it
// to the user and retrying it in the background.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindTransient
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrTransient  = &Error{Kind: KindTransient}
	ErrConflict   = &Error{Kind: KindConflict}
)

type Error struct {
	Kind  Kind
	Op    string
	Table string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Table != "" {
			b.WriteString(" ")
			b.WriteString(e.Table)
		}
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		fmt.Fprintf(&b, "%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(strings.ReplaceAll(e.Kind.String(), "_", " "))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works for every not-found failure regardless of table or operation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(table string, id ident.ID) error {
	msg := "row not found"
	if id != nil {
		msg = fmt.Sprintf("row %s not found", id)
	}
	return &Error{Kind: KindNotFound, Table: table, Op: "lookup", Msg: msg}
}

func Transient(op string, table string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Table: table, Err: err}
}

func Conflict(op string, table string, err error) error {
	return &Error{Kind: KindConflict, Op: op, Table: table, Err: err}
}

// Wrap attaches a kind to err unless it already carries one.
func Wrap(kind Kind, op string, table string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := KindOf(err); ok {
		return err
	}
	return &Error{Kind: kind, Op: op, Table: table, Err: err}
}
