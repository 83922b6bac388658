package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// workspaceArchive packs srcDir into an uncompressed tar whose entries live
// under prefix, ready for CopyToContainer at "/". Entries are owned by root
// and world-readable so any container user can read the artifact.
func workspaceArchive(srcDir, prefix string) ([]byte, error) {
	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)

	err := filepath.Walk(srcDir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !fi.Mode().IsRegular() && !fi.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(srcDir, file)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		header.Name = path.Join(prefix, filepath.ToSlash(relPath))
		header.Uid, header.Gid = 0, 0
		header.Uname, header.Gname = "", ""
		if fi.IsDir() {
			header.Name += "/"
			header.Mode = DirPermission
		} else {
			header.Mode = ArtifactPermission
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if fi.IsDir() {
			return nil
		}

		data, err := os.Open(file)
		if err != nil {
			return err
		}
		defer data.Close()

		_, err = io.Copy(tarWriter, data)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to archive workspace: %w", err)
	}

	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to archive workspace: %w", err)
	}

	return buf.Bytes(), nil
}
