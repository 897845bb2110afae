package consts

import "github.com/pkg/errors"

var (
	// ErrInvalidDriver is for when a unknown driver is used.
	// Either misspelled or using driver that wasn't built into the binary
	ErrInvalidDriver = errors.New("invalid driver")
	// ErrInvalidConfig is issued when a invalid config value is used
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInvalidLocator is returned when a database locator is neither an existing path
	// nor a url with a known scheme
	ErrInvalidLocator = errors.New("invalid database locator")
	// ErrUnsupported is returned by a store for operations its backend cannot perform
	ErrUnsupported = errors.New("operation not supported by store")
	// ErrInvalidText is returned when the backend rejects a text value, eg: embedded
	// NUL characters or invalid utf-8 sent to postgres
	ErrInvalidText = errors.New("invalid text value")
	// ErrInvalidInfoHash is returned when a stored info_hash has the wrong length
	ErrInvalidInfoHash = errors.New("Invalid info hash")
)
