// Command mkfs builds a FAT32 disk image for this kernel to mount as
// its root filesystem: it formats a fresh image of the requested size
// via ufs.MkDisk, then replicates a host skeleton directory (normally
// containing at least /init, the program cmd/kernel's boot sequence
// execs once the filesystem is mounted) into it.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kctherootkey/likeos64/fs"
	"github.com/kctherootkey/likeos64/ufs"
	"github.com/kctherootkey/likeos64/ustr"
)

// copydata reads the file at src on the host and appends its contents
// to dst in the image, fs.BSIZE bytes at a time so a skeleton file of
// any size copies without holding it all in memory at once.
func copydata(src string, f *ufs.Ufs_t, dst string) {
	srcFile, err := os.Open(src)
	if err != nil {
		panic(err)
	}
	defer srcFile.Close()

	buf := make([]byte, fs.BSIZE)
	for {
		n, readErr := srcFile.Read(buf)
		if readErr != nil && readErr != io.EOF {
			panic(readErr)
		}
		if n > 0 {
			if e := f.Append(ustr.Ustr(dst), buf[:n]); e != 0 {
				panic(fmt.Sprintf("mkfs: append %v: err %d", dst, e))
			}
		}
		if readErr == io.EOF {
			break
		}
	}
}

// addfiles walks skeldir on the host and replicates its contents into
// the image at fs.
func addfiles(fs *ufs.Ufs_t, skeldir string) {
	err := filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			fmt.Printf("failed to access %q: %v\n", path, err)
			return err
		}

		rel := strings.TrimPrefix(path, skeldir)
		if rel == "" {
			return nil
		}

		if d.IsDir() {
			if e := fs.MkDir(ustr.Ustr(rel)); e != 0 {
				fmt.Printf("failed to create dir %v\n", rel)
			}
			return nil
		}

		if e := fs.MkFile(ustr.Ustr(rel), nil); e != 0 {
			fmt.Printf("failed to create file %v\n", rel)
			return nil
		}
		copydata(path, fs, rel)
		return nil
	})

	if err != nil {
		fmt.Printf("error walking the path %q: %v\n", skeldir, err)
		os.Exit(1)
	}
}

func main() {
	if len(os.Args) < 4 {
		fmt.Printf("Usage: mkfs <image size MiB> <output image> <skel dir>\n")
		os.Exit(1)
	}

	sizeMiB, err := strconv.Atoi(os.Args[1])
	if err != nil || sizeMiB <= 0 {
		fmt.Printf("bad image size %q\n", os.Args[1])
		os.Exit(1)
	}
	image := os.Args[2]
	skeldir := os.Args[3]

	volume, ferr := ufs.MkDisk(image, sizeMiB*1024*1024)
	if ferr != nil {
		fmt.Printf("mkfs: %v\n", ferr)
		os.Exit(1)
	}

	if _, e := volume.Stat(ustr.MkUstrRoot()); e != 0 {
		fmt.Printf("not a valid fs: no root inode\n")
		os.Exit(1)
	}

	addfiles(volume, skeldir)

	if err := ufs.ShutdownFS(volume); err != nil {
		fmt.Printf("mkfs: %v\n", err)
		os.Exit(1)
	}
}
