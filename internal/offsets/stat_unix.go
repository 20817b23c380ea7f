//go:build unix

package offsets

import "golang.org/x/sys/unix"

func statFile(path string) (int64, Identity, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, Identity{}, err
	}
	return st.Size, Identity{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil
}
