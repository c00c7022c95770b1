// Package limits provides centralized size constants and validation functions
// for kadnode. Every buffer read from the network or from disk is checked
// against one of these limits before it is parsed.
//
// # Limits
//
//   - MaxPacket (1472 bytes): the largest UDP datagram sent or accepted by the
//     transport, sized to avoid IP fragmentation on a 1500 byte MTU.
//   - MaxContactsPerPacket (20): contacts carried in one NODES response or
//     discovery reply.
//   - MaxSnapshot (4MB): the largest compressed routing-table snapshot loaded
//     from disk.
//   - MaxDecodedSnapshot (16MB): the largest snapshot body after decompression.
//
// # Validation
//
//	if err := limits.ValidatePacket(data); err != nil {
//	    // ErrEmpty or ErrTooLarge
//	}
package limits
