//go:build arm64

package pause

// StripAddressAuth strips pointer-authentication and top-byte-ignore bits
// from a captured return address before it is re-hooked for step-out.
// The exact mask is platform-specific and must come from the platform's
// address-stripping convention, not guessed; on arm64 with the default
// 48-bit virtual address size, PAC/TBI occupy bits 55 down to 48 plus the
// top byte, so masking to the low 48 bits is the documented strip for
// that configuration. A target built with a non-default VA size or a
// custom PAC mask would need its own build-tagged variant of this file.
func StripAddressAuth(addr uint64) uint64 {
	const vaMask = (uint64(1) << 48) - 1
	return addr & vaMask
}
