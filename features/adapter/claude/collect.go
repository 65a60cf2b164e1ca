package claude

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"goa.design/clue/log"

	"github.com/agentmesh/bridge/runtime/bridge/protocol"
	"github.com/agentmesh/bridge/runtime/bridge/upload"
)

// collectMarker tags the platform-issued control message that asks the bridge
// to upload the session workspace instead of invoking the assistant.
const collectMarker = "Collect files task (platform-issued):"

const (
	collectMaxFiles     = 1500
	collectMaxFileBytes = 20 << 20
	// noFilesResult and failedResult are literal reply strings the platform
	// matches on.
	noFilesResult = "NO_FILES_FOUND"
	failedResult  = "COLLECT_FILES_FAILED"
)

// collectTask is a parsed collect-files control message.
type collectTask struct {
	UploadURL   string
	UploadToken string
}

// parseCollectTask detects the control marker and extracts the upload
// endpoint parameters. Both parameters are required; a marked message missing
// either is still consumed as a collect task and fails cleanly.
func parseCollectTask(content string) (collectTask, bool) {
	if !strings.Contains(content, collectMarker) {
		return collectTask{}, false
	}
	var task collectTask
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "UPLOAD_URL="); ok {
			task.UploadURL = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "UPLOAD_TOKEN="); ok {
			task.UploadToken = strings.TrimSpace(v)
		}
	}
	return task, true
}

// runCollect executes a collect task: enumerate the workspace, upload each
// file and reply with the newline-joined URL list as a synthetic text chunk.
// No child process is involved.
func (s *session) runCollect(ctx context.Context, task collectTask) {
	defer s.finish()

	if task.UploadURL == "" || task.UploadToken == "" {
		log.Printf(ctx, "claude: collect task for session %s missing upload parameters", s.id)
		s.emitChunk(failedResult, protocol.KindText)
		s.emitDone(nil)
		return
	}
	files, err := collectFiles(s.workspace)
	if err != nil {
		log.Errorf(ctx, err, "claude: collect enumeration failed for session %s", s.id)
		s.emitChunk(failedResult, protocol.KindText)
		s.emitDone(nil)
		return
	}
	if len(files) == 0 {
		s.emitChunk(noFilesResult, protocol.KindText)
		s.emitDone(nil)
		return
	}
	attachments := upload.NewWithLimit(collectMaxFileBytes).UploadAll(ctx, task.UploadURL, task.UploadToken, s.workspace, files)
	if len(attachments) == 0 {
		s.emitChunk(failedResult, protocol.KindText)
		s.emitDone(nil)
		return
	}
	urls := make([]string, len(attachments))
	for i, att := range attachments {
		urls[i] = att.URL
	}
	s.emitChunk(strings.Join(urls, "\n"), protocol.KindText)
	s.emitDone(attachments)
}

// collectFiles enumerates regular, non-symlink files under root, skipping
// hidden entries and files over the collect size cap, bounded at
// collectMaxFiles entries.
func collectFiles(root string) ([]string, error) {
	if root == "" {
		return nil, nil
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}
		info, err := os.Lstat(path)
		if err != nil || info.Size() > collectMaxFileBytes {
			return nil
		}
		files = append(files, path)
		if len(files) >= collectMaxFiles {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
