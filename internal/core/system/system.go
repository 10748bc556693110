package system

import (
	"errors"
	"math"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Handle is the stable index of a registered system. Indices are assigned in
// registration order and never reused.
type Handle uint32

// InvalidHandle is returned by failed registrations.
const InvalidHandle Handle = math.MaxUint32

func (h Handle) Valid() bool { return h != InvalidHandle }

// Shutdowner is implemented by systems that release resources at teardown.
type Shutdowner interface {
	Shutdown()
}

var (
	ErrEmptyName       = errors.New("empty name")
	ErrDuplicateSystem = errors.New("system already exists")
	ErrUnknownSystem   = errors.New("unknown system")
	ErrSystemType      = errors.New("system has a different type")
)

// CanonicalName trims surrounding space and folds the name to Unicode NFC so
// that names typed on different platforms compare equal.
func CanonicalName(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return "", ErrEmptyName
	}
	return name, nil
}
