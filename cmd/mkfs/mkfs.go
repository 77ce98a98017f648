// Command mkfs builds a waffle disk image, optionally populating it from
// a host skeleton directory. Grounded on the teacher's mkfs/mkfs.go
// (addfiles's filepath.WalkDir over a skeleton directory, MkDir/MkFile
// dispatch, copydata's chunked file copy), adapted to this repo's fsys
// façade and to a real disk image file instead of the teacher's ufs.Ufs_t.
package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/akrylysov/pogreb"
	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"waffle/cache"
	"waffle/defs"
	"waffle/disk"
	"waffle/fd"
	"waffle/freemap"
	"waffle/fsys"
	"waffle/ustr"
)

const rootSector = 1

func main() {
	image := flag.StringP("image", "i", "waffle.img", "output disk image path")
	nsectors := flag.IntP("sectors", "n", 16384, "number of sectors in the image")
	skel := flag.StringP("skel", "s", "", "host directory tree to copy into the image")
	flag.Parse()

	if err := run(*image, *nsectors, *skel); err != nil {
		fmt.Fprintln(os.Stderr, "mkfs:", err)
		os.Exit(1)
	}
}

func run(image string, nsectors int, skel string) error {
	manifestDir, err := os.MkdirTemp("", "waffle-mkfs-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(manifestDir)

	// The build manifest stages each created path's size before the
	// final sequential device write, the host-side analogue of the
	// teacher's buffered write-before-Start approach in its own mkfs.
	manifest, err := pogreb.Open(filepath.Join(manifestDir, "manifest.pogreb"), nil)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer manifest.Close()

	dev := disk.NewMemDevice(nsectors)
	c := cache.New(dev)
	fm := freemap.Open(c, nsectors)
	fs := fsys.New(c, fm, rootSector)
	if err := fs.Format(); err != 0 {
		return fmt.Errorf("format: %s", err)
	}
	cwd := fd.MkRootCwd(rootSector)

	if skel != "" {
		if err := addfiles(fs, cwd, manifest, skel); err != nil {
			return err
		}
	}

	fs.Flush()

	buf := make([]byte, nsectors*disk.SectorSize)
	for s := 0; s < nsectors; s++ {
		if err := dev.ReadSector(s, buf[s*disk.SectorSize:(s+1)*disk.SectorSize]); err != 0 {
			return fmt.Errorf("read sector %d: %s", s, err)
		}
	}

	if err := atomic.WriteFile(image, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("write image: %w", err)
	}

	n, err := manifestCount(manifest)
	if err != nil {
		return err
	}
	fmt.Printf("mkfs: wrote %s (%d sectors, %d files staged)\n", image, nsectors, n)
	return nil
}

// addfiles walks skelDir on the host and replicates its contents into fs,
// recording each created file's size in the manifest as it goes.
func addfiles(fs *fsys.Fsys, cwd *fd.Cwd_t, manifest *pogreb.DB, skelDir string) error {
	return filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path, skelDir)
		if rel == "" {
			return nil
		}
		dst := ustr.Ustr(filepath.ToSlash(rel))

		if d.IsDir() {
			if e := fs.Mkdir(dst, cwd); e != 0 && e != -defs.EEXIST {
				return fmt.Errorf("mkdir %s: %s", rel, e)
			}
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if e := fs.Create(dst, cwd, len(data)); e != 0 {
			return fmt.Errorf("create %s: %s", rel, e)
		}
		fdh, e := fs.Open(dst, cwd)
		if e != 0 {
			return fmt.Errorf("open %s: %s", rel, e)
		}
		if _, e := fdh.Fops.Write(data); e != 0 {
			fdh.Fops.Close()
			return fmt.Errorf("write %s: %s", rel, e)
		}
		fdh.Fops.Close()

		return manifest.Put([]byte(rel), []byte(strconv.Itoa(len(data))))
	})
}

func manifestCount(db *pogreb.DB) (int, error) {
	it := db.Items()
	n := 0
	for {
		_, _, err := it.Next()
		if err == pogreb.ErrIterationDone {
			break
		}
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}
