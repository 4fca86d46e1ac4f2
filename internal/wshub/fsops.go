package wshub

import "os"

func removeAll(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}
