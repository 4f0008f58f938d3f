//go:build !linuxgpib || !cgo

package gpib

import "fmt"

// OpenLinuxBus is unavailable without the linuxgpib build tag.
func OpenLinuxBus() (Bus, error) {
	return nil, fmt.Errorf("%w: built without linux-gpib (rebuild with -tags linuxgpib)", ErrNotSupported)
}
