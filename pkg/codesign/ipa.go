package codesign

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ExtractIPA unpacks an IPA into a fresh temporary directory and returns
// its path. Symlinks stored in the archive are recreated as symlinks so
// the seal of a framework sees the same tree that was signed.
func ExtractIPA(ipaPath string) (string, error) {
	tempDir, err := os.MkdirTemp("", "ipa-resign-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	r, err := zip.OpenReader(ipaPath)
	if err != nil {
		os.RemoveAll(tempDir)
		return "", fmt.Errorf("failed to open IPA: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractEntry(f, tempDir); err != nil {
			os.RemoveAll(tempDir)
			return "", fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return tempDir, nil
}

// entryPath resolves name below root and rejects entries escaping it.
func entryPath(root, name string) (string, error) {
	dest := filepath.Join(root, filepath.FromSlash(name))
	if !strings.HasPrefix(dest, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid file path: %s", name)
	}
	return dest, nil
}

func extractEntry(f *zip.File, root string) error {
	dest, err := entryPath(root, f.Name)
	if err != nil {
		return err
	}
	mode := f.Mode()
	if mode.IsDir() {
		return os.MkdirAll(dest, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	if mode&fs.ModeSymlink != 0 {
		target, err := io.ReadAll(src)
		if err != nil {
			return err
		}
		return os.Symlink(string(target), dest)
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// FindAppBundle returns the .app directory inside an extracted IPA.
func FindAppBundle(extractedDir string) (string, error) {
	payloadDir := filepath.Join(extractedDir, "Payload")
	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		return "", fmt.Errorf("failed to read Payload directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".app") {
			return filepath.Join(payloadDir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no .app bundle found in Payload directory")
}

// RepackageIPA zips extractedDir into outputPath. Entries are written in
// lexical order; symlinks are stored as links, not followed.
func RepackageIPA(extractedDir, outputPath string) error {
	paths, err := collectTree(extractedDir)
	if err != nil {
		return err
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	w := zip.NewWriter(outFile)
	for _, rel := range paths {
		if err := addZipEntry(w, extractedDir, rel); err != nil {
			w.Close()
			outFile.Close()
			return fmt.Errorf("failed to add %s: %w", rel, err)
		}
	}
	if err := w.Close(); err != nil {
		outFile.Close()
		return err
	}
	return outFile.Close()
}

func collectTree(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func addZipEntry(w *zip.Writer, root, rel string) error {
	path := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = rel

	switch {
	case info.IsDir():
		header.Name += "/"
		header.Method = zip.Store
		_, err := w.CreateHeader(header)
		return err
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		header.Method = zip.Deflate
		zw, err := w.CreateHeader(header)
		if err != nil {
			return err
		}
		_, err = io.WriteString(zw, target)
		return err
	}

	header.Method = zip.Deflate
	zw, err := w.CreateHeader(header)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(zw, f)
	return err
}

// CopyAppBundle copies a .app bundle from src to dst, replacing dst.
// Symlinks are copied as links.
func CopyAppBundle(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to remove existing destination: %w", err)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil || rel == "." {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
