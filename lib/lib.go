// Package lib holds small helpers shared by the CLI.
package lib

import "os"

// IsTTY reports whether f is attached to a terminal. Used to decide whether
// console log output should be colorized.
func IsTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
