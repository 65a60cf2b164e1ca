// Package upload posts workspace output files to the platform-supplied
// one-shot upload endpoint and yields attachment descriptors. Upload failures
// are logged and swallowed: a failed upload must never fail the surrounding
// request completion.
package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/agentmesh/bridge/runtime/bridge/protocol"
)

// MaxFileBytes is the per-file upload size cap.
const MaxFileBytes = 10 << 20

// TokenHeader authenticates upload posts.
const TokenHeader = "X-Upload-Token"

// mimeTypes maps common output extensions to content types. Anything else is
// application/octet-stream.
var mimeTypes = map[string]string{
	".md":   "text/markdown",
	".txt":  "text/plain",
	".html": "text/html",
	".css":  "text/css",
	".csv":  "text/csv",
	".json": "application/json",
	".yaml": "application/x-yaml",
	".yml":  "application/x-yaml",
	".xml":  "application/xml",
	".js":   "application/javascript",
	".ts":   "application/typescript",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".sh":   "application/x-sh",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".zip":  "application/zip",
}

type (
	// Client uploads files produced during a request. A single Client is
	// shared across sessions; posts are paced by a token bucket so a burst
	// of large diffs does not saturate the platform endpoint.
	Client struct {
		http     *http.Client
		limiter  *rate.Limiter
		maxBytes int64
	}

	// request is the JSON body of one upload POST.
	request struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
	}

	// response is the accepted-upload body; only the url field matters.
	response struct {
		URL string `json:"url"`
	}
)

// New returns a Client with a 30 s per-post timeout, a default pacing of five
// uploads per second (burst ten) and the standard per-file size cap.
func New() *Client {
	return NewWithLimit(MaxFileBytes)
}

// NewWithLimit returns a Client whose per-file size cap is maxBytes. Values
// at or below zero select MaxFileBytes.
func NewWithLimit(maxBytes int64) *Client {
	if maxBytes <= 0 {
		maxBytes = MaxFileBytes
	}
	return &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(5), 10),
		maxBytes: maxBytes,
	}
}

// UploadAll posts each file to the upload URL and returns an attachment per
// accepted file. Files over the size cap, unreadable files and rejected posts
// are logged and skipped.
func (c *Client) UploadAll(ctx context.Context, uploadURL, token, root string, paths []string) []protocol.Attachment {
	var attachments []protocol.Attachment
	for _, path := range paths {
		att, err := c.uploadOne(ctx, uploadURL, token, root, path)
		if err != nil {
			log.Errorf(ctx, err, "upload skipped")
			continue
		}
		attachments = append(attachments, att)
	}
	return attachments
}

func (c *Client) uploadOne(ctx context.Context, uploadURL, token, root, path string) (protocol.Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return protocol.Attachment{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > c.maxBytes {
		return protocol.Attachment{}, fmt.Errorf("%s: %d bytes exceeds upload cap", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.Attachment{}, fmt.Errorf("read %s: %w", path, err)
	}
	rel := relName(root, path)
	if err := c.limiter.Wait(ctx); err != nil {
		return protocol.Attachment{}, err
	}
	body, err := json.Marshal(request{
		Filename: rel,
		Content:  base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return protocol.Attachment{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(body))
	if err != nil {
		return protocol.Attachment{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, token)
	resp, err := c.http.Do(req)
	if err != nil {
		return protocol.Attachment{}, fmt.Errorf("post %s: %w", rel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return protocol.Attachment{}, fmt.Errorf("post %s: status %d", rel, resp.StatusCode)
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return protocol.Attachment{}, fmt.Errorf("decode response for %s: %w", rel, err)
	}
	if out.URL == "" {
		return protocol.Attachment{}, fmt.Errorf("response for %s missing url", rel)
	}
	return protocol.Attachment{
		Name:        rel,
		URL:         out.URL,
		ContentType: ContentType(rel),
	}, nil
}

// ContentType derives a MIME type from the file extension.
func ContentType(name string) string {
	if ct, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// relName computes the POSIX-normalized path of file relative to root,
// falling back to the base name when the file lies outside root.
func relName(root, path string) string {
	if root != "" {
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(path)
}
