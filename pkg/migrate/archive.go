package migrate

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// archiver packs and unpacks volume data. Ownership travels as numeric
// IDs only: the two hosts may map names to different local UIDs, but
// they share the same derived remapped ID for the same
// container-internal identity, so numbers are the portable form.
type archiver struct {
	// ownerOf reports the numeric owner of a path. Injectable so
	// tests can simulate remap-owned files without running as root.
	ownerOf func(path string, info fs.FileInfo) (int, int, error)

	// chown applies numeric ownership on extraction.
	chown func(path string, uid, gid int) error
}

func newArchiver() *archiver {
	return &archiver{
		ownerOf: statFileOwner,
		chown:   os.Lchown,
	}
}

func statFileOwner(path string, info fs.FileInfo) (int, int, error) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("no ownership information for %s", path)
	}
	return int(st.Uid), int(st.Gid), nil
}

// pack writes the contents of srcDir as a PAX tar stream. Names are
// relative to srcDir; symbolic owner names are stripped so only the
// numeric IDs survive the transfer.
func (a *archiver) pack(srcDir string, w io.Writer) (int64, error) {
	tw := tar.NewWriter(w)
	var total int64

	err := filepath.Walk(srcDir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Format = tar.FormatPAX

		uid, gid, err := a.ownerOf(path, info)
		if err != nil {
			return err
		}
		hdr.Uid = uid
		hdr.Gid = gid
		hdr.Uname = ""
		hdr.Gname = ""

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := io.Copy(tw, f)
		total += n
		return err
	})
	if err != nil {
		return total, err
	}
	return total, tw.Close()
}

// unpack extracts a tar stream into destDir, preserving numeric
// ownership and rejecting entries that would escape the destination.
func (a *archiver) unpack(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := secureJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode)); err != nil {
				return err
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}

		default:
			return fmt.Errorf("unsupported archive entry type %d for %s", hdr.Typeflag, hdr.Name)
		}

		if err := a.chown(target, hdr.Uid, hdr.Gid); err != nil {
			return fmt.Errorf("failed to restore ownership of %s: %w", hdr.Name, err)
		}
	}
}

// secureJoin resolves an archive entry name below root, refusing
// absolute names and parent-directory traversal.
func secureJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q has an absolute path", name)
	}
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the volume root", name)
	}
	return filepath.Join(root, cleaned), nil
}
