package storage

import "strings"

// Split returns the parent and final segment of a path.
func Split(path string) (parent, key string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}
