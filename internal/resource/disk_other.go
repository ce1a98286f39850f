//go:build !linux

package resource

type diskStat struct {
	Blocks     uint64
	BlocksFree uint64
}

func statfs(path string, out *diskStat) bool {
	return false
}
