//go:build !darwin && !linux && !freebsd

package core

import "fmt"

func dlopen(path string) (uintptr, error) {
	return 0, fmt.Errorf("dynamic core loading is not supported on this platform")
}

func dlclose(handle uintptr) {
}
