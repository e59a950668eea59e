package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

func localStorageFullpath(baseDir, bucket, key string) string {
	return filepath.Join(baseDir, bucket, key)
}

// walkFiles calls fn for every regular file under src with its slash separated relative path.
func walkFiles(src string, fn func(path, rel string) error) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk directory %s: %w", src, err)
		}

		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		return fn(path, filepath.ToSlash(rel))
	})
}
