//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package serialport

import "os"

// no advisory locks; exclusivity is left to the OS driver
func lockDevice(name string) (*os.File, error) { return nil, nil }

func unlockDevice(f *os.File) {}
