package wire

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// CreateAnonymousFile creates an unlinked file of the given size suitable
// for sharing with the compositor, such as a wl_shm pool.
func CreateAnonymousFile(size int64) (*os.File, error) {
	fd, err := unix.MemfdCreate("wayland-shared", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err == nil {
		f := os.NewFile(uintptr(fd), "wayland-shared")
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "sizing shared memory")
		}
		return f, nil
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return nil, errors.New("XDG_RUNTIME_DIR not set in the environment")
	}
	f, err := os.CreateTemp(dir, "wayland-shared-*")
	if err != nil {
		return nil, errors.Wrap(err, "creating shared memory file")
	}
	os.Remove(f.Name())
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "sizing shared memory")
	}
	return f, nil
}
