// Package storage puts message attachments into object storage and hands back public URLs.
package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// objectName turns an uploaded file name into a collision resistant object key stem. The
// extension is kept so CDNs serve the right content type.
func objectName(name string, now time.Time) (string, string) {
	ext := strings.ToLower(filepath.Ext(name))
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, base)

	base = strings.Trim(base, "-")
	if base == "" {
		base = "upload"
	}

	return fmt.Sprintf("%s-%d", base, now.UnixNano()), ext
}

func joinKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
