// Package handlers holds the routes every front-end serves
package handlers

import (
	"fmt"
	"mime"
	"net/url"
	"path/filepath"

	"getshim/internal/common"
	"getshim/internal/registry"
	"getshim/internal/response"
)

// FilesPrefix is the path prefix under which files are served
const FilesPrefix = "/files/"

const textPlain = "text/plain; charset=utf-8"

// Register adds the built-in routes to reg. When filesDir is non-empty every
// regular file in it is served under FilesPrefix.
func Register(reg *registry.Registry, filesDir string) error {
	if err := reg.Handle("/status", Status); err != nil {
		return err
	}
	if err := reg.Handle("/healthz", Health); err != nil {
		return err
	}
	if filesDir == "" {
		return nil
	}
	return RegisterFiles(reg, filesDir)
}

// Status returns system information
func Status() response.Response {
	return response.Text(common.GetInfo().String(), textPlain)
}

// Health reports liveness
func Health() response.Response {
	return response.Text("ok", textPlain)
}

// RegisterFiles adds one route per regular file in dir. The set of routes is
// fixed at registration; file contents are read on every request.
func RegisterFiles(reg *registry.Registry, dir string) error {
	names, err := common.ListFiles(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}

	for _, name := range names {
		path := FilesPrefix + url.PathEscape(name)
		if err := reg.Handle(path, File(filepath.Join(dir, name))); err != nil {
			return err
		}
	}
	return nil
}

// File serves the file at path as a binary body. A file that has disappeared
// since registration is reported as not found.
func File(path string) registry.Handler {
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return func() response.Response {
		data, err := common.ReadBlob(path)
		if err != nil {
			return response.Text("file not found", textPlain).WithStatus(response.StatusNotFound)
		}
		common.CountFileServed()
		return response.Binary(data, contentType)
	}
}
