// Package blte decodes and encodes BLTE frames, the block encoding used for
// every file stored in a CASC archive.
//
// A frame is the "BLTE" magic, a header size, and an optional chunk table.
// Each chunk starts with a mode byte selecting how the rest of the chunk is
// decoded. Decoding is a pure function of the frame bytes.
package blte
