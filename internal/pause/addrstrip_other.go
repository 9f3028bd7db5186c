//go:build !arm64

package pause

// StripAddressAuth is the identity function on architectures without
// pointer authentication: there are no authentication bits to
// strip from a captured return address before re-hooking it.
func StripAddressAuth(addr uint64) uint64 {
	return addr
}
