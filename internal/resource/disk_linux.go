//go:build linux

package resource

import "syscall"

type diskStat struct {
	Blocks     uint64
	BlocksFree uint64
}

func statfs(path string, out *diskStat) bool {
	var s syscall.Statfs_t
	if err := syscall.Statfs(path, &s); err != nil {
		return false
	}
	out.Blocks = uint64(s.Blocks)
	out.BlocksFree = uint64(s.Bfree)
	return true
}
