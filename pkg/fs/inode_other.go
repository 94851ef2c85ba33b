//go:build !unix

package fs

import "os"

// Inode numbers are not exposed through os.FileInfo on this platform.
func inodeOf(os.FileInfo) uint64 {
	return 0
}
