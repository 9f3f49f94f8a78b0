package sftpd

import "strings"

// normalizePath canonicalizes a relative SFTP path:
//
//  1. strip a single trailing slash
//  2. split on "/": ".." pops a segment (popping past the start is
//     BadMessage), "." and empty segments are dropped
//  3. rejoin with "/", no leading slash
//
// The result is idempotent under normalizePath.
func normalizePath(path string) (string, error) {
	path = strings.TrimSuffix(path, "/")

	var parts []string
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
		case "..":
			if len(parts) == 0 {
				return "", errBadMessage
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "/"), nil
}

// splitAbsolute classifies a client path: a leading "/" means "from root"
// and is stripped; anything else is relative to the session's home
// directory. The remainder is normalized.
func splitAbsolute(path string) (absolute bool, normalized string, err error) {
	absolute = strings.HasPrefix(path, "/")
	if absolute {
		path = strings.TrimPrefix(path, "/")
	}

	normalized, err = normalizePath(path)
	return absolute, normalized, err
}
