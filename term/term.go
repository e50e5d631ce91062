// Package term puts the controlling terminal into raw mode so guest
// console input arrives byte by byte.
package term

import (
	"os"

	"golang.org/x/term"
)

func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SetRawMode switches stdin to raw mode and returns the restore
// function. Callers must invoke it before exiting or the shell is
// left unusable.
func SetRawMode() (func(), error) {
	fd := int(os.Stdin.Fd())

	old, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}, err
	}

	return func() { _ = term.Restore(fd, old) }, nil
}
