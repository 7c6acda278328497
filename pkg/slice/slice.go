// Package slice converts between host-owned byte views and Go byte slices
// without copying. The caller keeps ownership of the memory and must keep it
// alive and unmodified for as long as the returned slice is in use.
package slice

import "unsafe"

// dummy is handed out for empty slices; foreign callers usually require a
// non-null pointer even when the length is zero.
var dummy byte

// Borrow views n bytes starting at ptr as a Go slice. The length is trusted.
// A nil pointer or a non-positive length yields an empty, non-nil slice.
func Borrow(ptr unsafe.Pointer, n int) []byte {
	if ptr == nil || n <= 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(ptr), n)
}

// BorrowUintptr is Borrow for addresses received as integers.
func BorrowUintptr(ptr uintptr, n int) []byte {
	if ptr == 0 || n <= 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n) //nolint:govet // address owned by the host
}

// Pointer returns the address of the first byte of b, or a valid non-null
// dummy address when b is empty.
func Pointer(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return unsafe.Pointer(&dummy)
	}
	return unsafe.Pointer(unsafe.SliceData(b))
}

// Ptr is Pointer as a uintptr, for purego call sites that cannot take slices.
func Ptr(b []byte) uintptr {
	return uintptr(Pointer(b))
}

// Len returns the length of b in the width foreign signatures expect.
func Len(b []byte) uint64 {
	return uint64(len(b))
}

// Clone copies b into Go-owned memory. Used when a borrowed view must outlive
// the call that produced it.
func Clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
