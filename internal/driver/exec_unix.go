//go:build unix

package driver

import (
	"os"
	"syscall"
)

// execInPlace replaces the current process image. It returns only on
// failure.
func execInPlace(executable string, argv []string) error {
	return syscall.Exec(executable, argv, os.Environ())
}
