// Package transfer implements chunked, integrity-checked file transfer on
// top of the block cipher.
//
// A sender calls Handler.Prepare to get FileMetadata plus 1 MiB
// EncryptedChunks, signs the checksum (NewOutgoing) and frames the records
// for the wire. A receiver feeds the parsed records into a Receiver, which
// verifies the checksum signature before reassembling.
package transfer
