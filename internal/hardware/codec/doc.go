// Package codec implements the line-oriented device protocol.
//
// The wire convention is newline-terminated ASCII:
//
//	READY:<name>              device -> host   boot complete
//	OK:<...>                  device -> host   command succeeded
//	ERR:<code>                device -> host   command failed
//	STATUS:<gate>:<vehicle>   device -> host   answer to STATUS
//	EVENT:<name>              device -> host   unsolicited notification
//	OPEN | CLOSE | STATUS | PRINT:<data>       host -> device
//
// The package is pure: no I/O, no locks, deterministic for a given input.
// Decoder frames bytes into Messages; Command encodes outgoing lines and
// decides whether a response answers it.
package codec
