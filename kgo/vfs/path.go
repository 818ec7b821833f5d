package vfs

import "strings"

// PathMax is the longest path accepted, terminator excluded.
const PathMax = 4096

// NameMax is the longest accepted path component.
const NameMax = 255

// Clean normalizes p lexically into an absolute path without ".", ".." or empty elements.
// ".." never climbs above the root.
func Clean(p string) string {
	var out []string
	for _, comp := range strings.Split(p, "/") {
		switch comp {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, comp)
		}
	}
	return "/" + strings.Join(out, "/")
}

// Join resolves p against the directory cwd.
func Join(cwd, p string) string {
	if strings.HasPrefix(p, "/") {
		return Clean(p)
	}
	return Clean(cwd + "/" + p)
}

// Split returns the parent directory and the final element of a clean absolute path.
// The root has no final element.
func Split(p string) (dir, name string) {
	i := strings.LastIndexByte(p, '/')
	dir, name = p[:i], p[i+1:]
	if dir == "" {
		dir = "/"
	}
	return dir, name
}

func components(p string) []string {
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}
