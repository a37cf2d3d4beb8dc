package geometry

import "os"

func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func createFile(path string) (*os.File, error) {
	return os.Create(path)
}
