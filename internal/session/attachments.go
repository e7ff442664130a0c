package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pheuter/claude-agent-desktop/shared/wire"
)

// MaxAttachmentSize bounds a single attachment payload.
const MaxAttachmentSize = 10 << 20

// attachmentsSubdir is where attachments land inside the workspace.
const attachmentsSubdir = "attachments"

// ErrAttachmentTooLarge is returned when an attachment exceeds
// MaxAttachmentSize. No attachments from the request are saved.
var ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")

// SaveAttachments writes the payloads under dir's attachments folder and
// reports where each one landed, in request order.
//
// The whole batch is validated before anything is written, so an oversized
// attachment rejects the request without partial saves.
func SaveAttachments(dir string, payloads []wire.AttachmentPayload) ([]wire.SavedAttachmentInfo, error) {
	for _, payload := range payloads {
		if len(payload.Data) > MaxAttachmentSize {
			return nil, fmt.Errorf("%w: %q is %d bytes (limit %d)",
				ErrAttachmentTooLarge, payload.Name, len(payload.Data), MaxAttachmentSize)
		}
	}

	target := filepath.Join(dir, attachmentsSubdir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments directory: %w", err)
	}

	saved := make([]wire.SavedAttachmentInfo, 0, len(payloads))
	for _, payload := range payloads {
		name, path, err := reserveName(target, payload.Name)
		if err != nil {
			return saved, err
		}
		if err := os.WriteFile(path, payload.Data, 0o644); err != nil {
			return saved, fmt.Errorf("write attachment %q: %w", name, err)
		}
		saved = append(saved, wire.SavedAttachmentInfo{
			Name:         name,
			MimeType:     payload.MimeType,
			Size:         int64(len(payload.Data)),
			AbsolutePath: path,
			RelativePath: filepath.Join(attachmentsSubdir, name),
		})
	}
	return saved, nil
}

// reserveName picks a file name under dir that does not collide with an
// existing file, suffixing "-1", "-2", ... before the extension.
func reserveName(dir, original string) (string, string, error) {
	base := sanitizeName(original)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, name)
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			return name, path, nil
		}
		if err != nil {
			return "", "", fmt.Errorf("stat %q: %w", path, err)
		}
	}
}

// sanitizeName strips any path components the UI may have sent.
func sanitizeName(name string) string {
	cleaned := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" || cleaned == "." || cleaned == ".." || cleaned == string(filepath.Separator) {
		return "attachment"
	}
	return cleaned
}
