package archive

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"
)

// timestampLayout is the UTC suffix of every archive file name.
const timestampLayout = "20060102_150405"

// FileName returns the archive file name for a project branch exported at t.
func FileName(project, branch string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s.tar.gz", safeName(project), safeName(branch), t.UTC().Format(timestampLayout))
}

// safeName replaces everything except letters, digits, '-' and '_' with '_'.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, s)
}

// verify confirms the export at path exists and is non-empty.
func verify(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExportUnverified, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrExportUnverified, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrExportUnverified, path)
	}
	return nil
}
