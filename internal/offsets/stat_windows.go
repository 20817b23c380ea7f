//go:build windows

package offsets

import "golang.org/x/sys/windows"

// On windows the file index plays the role of the inode. The handle is
// opened with full sharing so writers and rotators are never blocked.
func statFile(path string) (int64, Identity, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, Identity{}, err
	}
	h, err := windows.CreateFile(p,
		windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS,
		0)
	if err != nil {
		return 0, Identity{}, err
	}
	defer windows.CloseHandle(h)

	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &info); err != nil {
		return 0, Identity{}, err
	}
	size := int64(info.FileSizeHigh)<<32 | int64(info.FileSizeLow)
	id := Identity{
		Dev: uint64(info.VolumeSerialNumber),
		Ino: uint64(info.FileIndexHigh)<<32 | uint64(info.FileIndexLow),
	}
	return size, id, nil
}
