// Package commands implements the cipherctl command tree: key and cipher
// utilities, keystore management, and one-shot peer sessions.
package commands
