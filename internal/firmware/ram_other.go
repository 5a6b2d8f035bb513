//go:build !(darwin || linux)

package firmware

func mapRAM(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
