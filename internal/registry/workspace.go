package registry

import (
	"bytes"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	appErr "runbox/pkg/errors"
)

const stdinFileName = "input"

// maxArchiveBytes bounds the decompressed size of an additional_files
// archive so a zip bomb cannot fill the workspace root.
const maxArchiveBytes = 64 * 1024 * 1024

// Workspace is the per-submission ephemeral directory. It is owned by the
// executor: created at dispatch, removed unconditionally on every terminal
// path.
type Workspace struct {
	Path            string
	PrimaryFileName string
	StdinPath       string
	ExtraNames      []string
}

// Remove deletes the workspace directory and everything under it.
func (w *Workspace) Remove() error {
	if w == nil || w.Path == "" {
		return nil
	}
	return os.RemoveAll(w.Path)
}

// PrepareWorkspace stages the source file (named per the descriptor rule),
// the stdin file, and any additional files into a fresh UUID-named directory
// under root.
func PrepareWorkspace(root string, lang Language, source, stdin string, additionalFiles []byte) (*Workspace, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspacePreparation, "create workspace root failed")
	}
	dir := filepath.Join(root, uuid.NewString())
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspacePreparation, "create workspace failed")
	}
	ws := &Workspace{Path: dir}

	ok := false
	defer func() {
		if !ok {
			_ = ws.Remove()
		}
	}()

	ws.PrimaryFileName = SourceFileFor(lang, source)
	if err := os.WriteFile(filepath.Join(dir, ws.PrimaryFileName), []byte(source), 0644); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspacePreparation, "write source failed")
	}

	ws.StdinPath = filepath.Join(dir, stdinFileName)
	if err := os.WriteFile(ws.StdinPath, []byte(stdin), 0644); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspacePreparation, "write stdin failed")
	}

	if len(additionalFiles) > 0 {
		names, err := expandArchive(dir, additionalFiles)
		if err != nil {
			return nil, err
		}
		ws.ExtraNames = names
	}

	ok = true
	return ws, nil
}

// DecodeArchive decodes the base64 additional_files payload.
func DecodeArchive(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidArchive, "decode additional files failed")
	}
	return data, nil
}

// expandArchive unpacks a ZIP archive into the workspace root. Entries that
// would escape the workspace are rejected.
func expandArchive(dir string, data []byte) ([]string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidArchive, "open archive failed")
	}

	var names []string
	var total int64
	for _, file := range reader.File {
		name := filepath.Clean(file.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return nil, appErr.Newf(appErr.InvalidArchive, "archive entry escapes workspace: %s", file.Name)
		}
		target := filepath.Join(dir, name)

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, appErr.Wrapf(err, appErr.WorkspacePreparation, "create archive dir failed")
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, appErr.Wrapf(err, appErr.WorkspacePreparation, "create archive dir failed")
		}

		total += int64(file.UncompressedSize64)
		if total > maxArchiveBytes {
			return nil, appErr.New(appErr.InvalidArchive).WithMessage("archive too large after decompression")
		}

		src, err := file.Open()
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidArchive, "read archive entry failed")
		}
		dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, file.Mode().Perm()|0600)
		if err != nil {
			src.Close()
			return nil, appErr.Wrapf(err, appErr.WorkspacePreparation, "create archive file failed")
		}
		_, err = io.Copy(dst, io.LimitReader(src, maxArchiveBytes))
		src.Close()
		dst.Close()
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.WorkspacePreparation, "extract archive file failed")
		}
		names = append(names, name)
	}
	return names, nil
}
