//go:build darwin || linux || freebsd

package core

import "github.com/ebitengine/purego"

func dlopen(path string) (uintptr, error) {
	return purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
}

func dlclose(handle uintptr) {
	purego.Dlclose(handle)
}
