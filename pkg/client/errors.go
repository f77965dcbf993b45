package client

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnresolved is returned by FetchOne once its retry budget is spent.
	ErrUnresolved = errors.New("point query unresolved")

	// ErrFatal is returned by FetchPage once its retry budget is spent.
	ErrFatal = errors.New("page fetch failed")

	// ErrUnknownSource is returned for a source number outside the endpoint list.
	ErrUnknownSource = errors.New("unknown source")
)

// StatusError is a non-success HTTP status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code %d: %s", e.Code, e.Body)
}
