// Package artifact derives output object keys and source references for
// transcode requests.
package artifact

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Namer maps a source filename to the key of its converted artifact.
// The zero value is not usable; construct with NewNamer.
type Namer struct {
	sourceExt string
	targetExt string
}

// NewNamer creates a Namer converting sourceExt (e.g. ".mp3") to targetExt
// (e.g. ".opus"). Extensions are compared case-insensitively.
func NewNamer(sourceExt, targetExt string) Namer {
	return Namer{
		sourceExt: strings.ToLower(sourceExt),
		targetExt: strings.ToLower(targetExt),
	}
}

// SourceExt returns the accepted source extension.
func (n Namer) SourceExt() string { return n.sourceExt }

// TargetExt returns the produced target extension.
func (n Namer) TargetExt() string { return n.targetExt }

// OutputKey returns the artifact key for filename: its base name with the
// source extension replaced by the target extension. Only the extension is
// rewritten, so "mp3-mix.mp3" becomes "mp3-mix.opus". Filenames that do not
// end in the source extension are rejected.
//
// The result is always a base name because artifacts are stored at the
// bucket root under their file name.
func (n Namer) OutputKey(filename string) (string, error) {
	name := strings.TrimSpace(filename)
	if name == "" {
		return "", fmt.Errorf("empty filename")
	}
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." {
		return "", fmt.Errorf("filename %q has no base name", filename)
	}

	ext := path.Ext(base)
	if !strings.EqualFold(ext, n.sourceExt) {
		return "", fmt.Errorf("filename %q does not have the %s extension", filename, n.sourceExt)
	}
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		return "", fmt.Errorf("filename %q has an empty stem", filename)
	}
	return stem + n.targetExt, nil
}

// SourceURL joins the store's base URL, the bucket and the object key.
// Each key segment is path-escaped.
func SourceURL(baseURL, bucket, key string) (string, error) {
	if baseURL == "" {
		return "", fmt.Errorf("empty base URL")
	}
	segments := []string{url.PathEscape(bucket)}
	for _, seg := range strings.Split(strings.TrimPrefix(key, "/"), "/") {
		segments = append(segments, url.PathEscape(seg))
	}
	u, err := url.JoinPath(baseURL, segments...)
	if err != nil {
		return "", fmt.Errorf("join source URL: %w", err)
	}
	return u, nil
}
