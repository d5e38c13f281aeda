// Package crypto holds the cryptographic core of a cipherchat node: the
// 10-round IV-whitened block cipher used for chat messages and file chunks,
// and the RSA primitives that bootstrap it (key pairs, sealing the symmetric
// key, signatures).
//
// The block cipher is not a hardened primitive. It is reproduced bit-for-bit
// so that nodes interoperate with existing peers.
package crypto
