//go:build !unix

package driver

import "errors"

// execInPlace is unavailable on this platform; the driver falls back to
// spawn-and-wait.
func execInPlace(executable string, argv []string) error {
	return errors.ErrUnsupported
}
