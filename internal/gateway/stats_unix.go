//go:build unix

package gateway

import "golang.org/x/sys/unix"

func statfs(root string) (Stats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return Stats{}, err
	}
	bsize := uint64(st.Bsize)
	total := uint64(st.Blocks) * bsize
	avail := uint64(st.Bavail) * bsize
	used := uint64(0)
	if total > avail {
		used = total - avail
	}
	return Stats{Total: total, Used: used, Available: avail}, nil
}
