package reqstate

import (
	"net/http"
	"os"
	"strings"
)

// xSendfileHeaders are checked in order; the first present wins, matching
// the original's support for both the modern and legacy header names.
var xSendfileHeaders = []string{"X-Sendfile", "X-LIGHTTPD-send-file"}

// resolveXSendfile implements the supplemented X-Sendfile feature of
// SPEC_FULL.md: when allowed and the backend's response carries an
// X-Sendfile header, the path is validated against the configured docroot
// prefixes and the header-named file is substituted for the backend body.
// ok is false when no X-Sendfile header was present (the normal case);
// err is ErrXSendfileForbidden when one was present but disallowed.
func resolveXSendfile(header http.Header, allowed bool, docroots []string) (path string, ok bool, err error) {
	if !allowed {
		return "", false, nil
	}
	for _, name := range xSendfileHeaders {
		if v := header.Get(name); v != "" {
			path = v
			ok = true
			header.Del(name)
			break
		}
	}
	if !ok {
		return "", false, nil
	}
	if !xSendfilePathAllowed(path, docroots) {
		return "", false, ErrXSendfileForbidden
	}
	return path, true, nil
}

func xSendfilePathAllowed(path string, docroots []string) bool {
	if len(docroots) == 0 {
		return true
	}
	for _, prefix := range docroots {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// openXSendfile opens the resolved path for streaming to the client,
// separated from resolveXSendfile so tests can exercise path validation
// without touching the filesystem.
func openXSendfile(path string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, fi, nil
}
