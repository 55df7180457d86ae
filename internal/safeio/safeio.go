// Package safeio implements convenient I/O routines that provide additional
// levels of safety in the presence of unexpected failures.
package safeio

import (
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"syscall"
)

// FileOp is run against the temporary file's path after its contents are
// written but before the rename into place. If it returns an error, the
// temporary file is removed and WriteFile returns that error without
// touching filename. Used to fsync, checksum, or otherwise validate a
// payload before it becomes visible under its final name.
type FileOp func(tmpPath string) error

// WriteFile writes data to a file named by filename, atomically.
// It's a wrapper to ioutil.WriteFile, but provides atomicity (and increased
// safety) by writing to a temporary file and renaming it at the end.
//
// Note this relies on same-directory Rename being atomic, which holds in most
// reasonably modern filesystems.
func WriteFile(filename string, data []byte, perm os.FileMode, ops ...FileOp) error {
	// Note we create the temporary file in the same directory, otherwise we
	// would have no expectation of Rename being atomic.
	// We make the file names start with "." so there's no confusion with the
	// originals.
	tmpf, err := ioutil.TempFile(path.Dir(filename), "."+path.Base(filename))
	if err != nil {
		return err
	}

	if err = tmpf.Chmod(perm); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if uid, gid := getOwner(filename); uid >= 0 {
		if err = tmpf.Chown(uid, gid); err != nil {
			tmpf.Close()
			os.Remove(tmpf.Name())
			return err
		}
	}

	if _, err = tmpf.Write(data); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if err = tmpf.Close(); err != nil {
		os.Remove(tmpf.Name())
		return err
	}

	for _, op := range ops {
		if err = op(tmpf.Name()); err != nil {
			os.Remove(tmpf.Name())
			return err
		}
	}

	return os.Rename(tmpf.Name(), filename)
}

// Move relocates src to dst. If src is already dst (or already inside the
// destination's directory under the same name), Move is a no-op, per the
// idempotence invariant that moving a queue payload that's already in the
// queue directory does nothing.
//
// It first attempts an os.Rename (atomic on same filesystem); if that
// fails with a cross-device error, it falls back to copying the contents
// to a temporary file in dst's directory and removing src, so a partial
// failure never leaves dst half-written.
func Move(src, dst string) error {
	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if srcAbs == dstAbs {
		return nil
	}

	err = os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if linkErr, ok := err.(*os.LinkError); ok && linkErr.Err != syscall.EXDEV {
		// Rename failed for a reason other than crossing filesystems;
		// that's a real error, so don't mask it with a copy fallback.
		return err
	}

	return copyThenRemove(src, dst)
}

func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	tmpf, err := ioutil.TempFile(path.Dir(dst), "."+path.Base(dst))
	if err != nil {
		return err
	}
	if err := tmpf.Chmod(info.Mode()); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if _, err := io.Copy(tmpf, in); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}
	if err := tmpf.Close(); err != nil {
		os.Remove(tmpf.Name())
		return err
	}

	if err := os.Rename(tmpf.Name(), dst); err != nil {
		os.Remove(tmpf.Name())
		return err
	}

	return os.Remove(src)
}

func getOwner(fname string) (uid, gid int) {
	uid = -1
	gid = -1
	stat, err := os.Stat(fname)
	if err == nil {
		if sysstat, ok := stat.Sys().(*syscall.Stat_t); ok {
			uid = int(sysstat.Uid)
			gid = int(sysstat.Gid)
		}
	}

	return
}
