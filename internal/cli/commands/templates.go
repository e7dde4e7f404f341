package commands

import (
	"embed"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

//go:embed all:templates
var templateFS embed.FS

// copyTemplate copies an embedded template directory to the target path.
// Existing files are kept unless force is set.
func copyTemplate(templateName, targetDir string, force bool) ([]string, error) {
	root := path.Join("templates", templateName)
	var written []string

	err := fs.WalkDir(templateFS, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := renameSpecialFiles(p[len(root):])
		if rel == "" {
			return nil
		}
		target := filepath.Join(targetDir, filepath.FromSlash(rel[1:]))

		if d.IsDir() {
			return os.MkdirAll(target, 0750)
		}
		if !force {
			if _, err := os.Stat(target); err == nil {
				return nil
			}
		}
		content, err := templateFS.ReadFile(p)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, content, 0600); err != nil {
			return err
		}
		written = append(written, rel[1:])
		return nil
	})
	return written, err
}

// renameSpecialFiles turns "gitignore" into ".gitignore".
func renameSpecialFiles(p string) string {
	if path.Base(p) == "gitignore" {
		return path.Join(path.Dir(p), ".gitignore")
	}
	return p
}
