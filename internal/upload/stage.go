package upload

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
)

// MaxUploadSize bounds a single staged file.
const MaxUploadSize = 32 << 20

// Stage copies r into dir as <uuid>_<basename of name> and returns the
// staged path. Names that resolve to no usable basename are rejected.
func Stage(dir, name string, r io.Reader) (string, error) {
	base, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", qaerrors.New(qaerrors.ErrCodeUploadDir,
			fmt.Sprintf("failed to create upload directory %s", dir), err)
	}

	id := uuid.NewString()
	final := filepath.Join(dir, id+"_"+base)
	tmp := filepath.Join(dir, "."+id+".tmp")

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create staged file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, MaxUploadSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > MaxUploadSize {
		err = qaerrors.ValidationError(fmt.Sprintf("upload %s exceeds %d bytes", base, MaxUploadSize), nil)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to stage %s: %w", base, err)
	}
	return final, nil
}

// cleanName reduces an uploaded file name to its basename. Names with
// parent-directory segments or no usable basename are rejected.
func cleanName(name string) (string, error) {
	slashed := strings.ReplaceAll(name, `\`, "/")
	invalid := slashed == ""
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			invalid = true
		}
	}
	base := path.Base(slashed)
	if invalid || base == "/" || base == "." || strings.HasPrefix(base, ".") {
		return "", qaerrors.New(qaerrors.ErrCodeInvalidPath,
			fmt.Sprintf("invalid upload file name %q", name), nil).
			WithDetail("name", name)
	}
	return base, nil
}

// OriginalName strips the staging prefix from a staged file name.
func OriginalName(stagedPath string) string {
	base := filepath.Base(stagedPath)
	if len(base) > 37 && base[36] == '_' {
		if _, err := uuid.Parse(base[:36]); err == nil {
			return base[37:]
		}
	}
	return base
}

// indexable reports whether a file in the staging directory should be
// indexed. Dot files include in-progress uploads.
func indexable(name string) bool {
	return !strings.HasPrefix(filepath.Base(name), ".")
}
