// Package secret holds private key material outside the Go heap.
//
// A Buffer is an anonymous mmap region, mlock'd when the process limits allow
// it and marked MADV_DONTDUMP. Close zeroes the region before unmapping it.
// Owner and agent signing keys live in Buffers for the lifetime of an unlocked
// session and nowhere else.
package secret
