//go:build !darwin && !linux

package shm

// region is unsupported on this platform; the controller falls back to
// event-carried frames.
type region struct {
	path    string
	data    []byte
	created bool
}

func createRegion(dir string, size int) (*region, error) {
	return nil, ErrUnavailable
}

func openRegion(path string, size int) (*region, error) {
	return nil, ErrUnavailable
}

func (r *region) close() error {
	return nil
}
