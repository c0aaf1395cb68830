// Package idx loads CASC local index files (".idx", version 7).
//
// A storage keeps sixteen bucket files. Each maps the first nine bytes of
// an encoded key to the container, offset, and size of the stored block.
// A key's bucket is derived from its bytes, so a lookup touches exactly one
// bucket table.
package idx
