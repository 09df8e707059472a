package xerrors

import (
	"errors"
	"fmt"
)

// Kind is a coarse classification the API layer maps onto a status code.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// kinded tags an error with a Kind. The message is what the client may see.
type kinded struct {
	err  error
	kind Kind
}

func (k *kinded) Error() string     { return k.err.Error() }
func (k *kinded) Unwrap() error     { return k.err }
func (k *kinded) Kind() Kind        { return k.kind }
func (k *kinded) IsXerrorsWrapper() {}

// WithKind tags err. The outermost tag in a chain wins.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kinded{err: err, kind: kind}
}

// KindOf returns the outermost Kind in err's chain, KindInternal if untagged.
func KindOf(err error) Kind {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// Invalid returns a KindInvalid error whose message is safe to return to a client.
func Invalid(format string, args ...any) error {
	return &kinded{err: stack(fmt.Errorf(format, args...), 1), kind: KindInvalid}
}

// Forbidden returns a KindForbidden error whose message is safe to return to a client.
func Forbidden(format string, args ...any) error {
	return &kinded{err: stack(fmt.Errorf(format, args...), 1), kind: KindForbidden}
}

// NotFound returns a KindNotFound error whose message is safe to return to a client.
func NotFound(format string, args ...any) error {
	return &kinded{err: stack(fmt.Errorf(format, args...), 1), kind: KindNotFound}
}

// PublicMessage returns the message of the outermost Kind-tagged error, which
// is the text its creator meant for clients. Wrapping context added above it
// stays out of responses.
func PublicMessage(err error) string {
	var k *kinded
	if errors.As(err, &k) {
		return k.err.Error()
	}
	return ""
}
