package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// media describes an attachment worth transcribing
type media struct {
	FileID string
	Name   string
	Size   int64
}

// extractMedia pulls the transcribable attachment out of a message, with a
// synthesized filename where Telegram supplies none
func extractMedia(msg *tgbotapi.Message) (media, bool) {
	stamp := msg.MessageID
	if stamp == 0 {
		stamp = int(time.Now().Unix())
	}

	switch {
	case msg.Voice != nil:
		return media{
			FileID: msg.Voice.FileID,
			Name:   fmt.Sprintf("voice-%d.ogg", stamp),
			Size:   int64(msg.Voice.FileSize),
		}, true
	case msg.Audio != nil:
		name := msg.Audio.FileName
		if name == "" {
			name = fmt.Sprintf("audio-%d.mp3", stamp)
		}
		return media{FileID: msg.Audio.FileID, Name: name, Size: int64(msg.Audio.FileSize)}, true
	case msg.Video != nil:
		name := msg.Video.FileName
		if name == "" {
			name = fmt.Sprintf("video-%d.mp4", stamp)
		}
		return media{FileID: msg.Video.FileID, Name: name, Size: int64(msg.Video.FileSize)}, true
	case msg.VideoNote != nil:
		return media{
			FileID: msg.VideoNote.FileID,
			Name:   fmt.Sprintf("videonote-%d.mp4", stamp),
			Size:   int64(msg.VideoNote.FileSize),
		}, true
	case msg.Document != nil:
		name := msg.Document.FileName
		if name == "" {
			name = fmt.Sprintf("document-%d", stamp)
		}
		return media{FileID: msg.Document.FileID, Name: name, Size: int64(msg.Document.FileSize)}, true
	}
	return media{}, false
}

// download fetches the attachment into a fresh staging directory and
// returns both the directory (for cleanup) and the file path
func (b *Bot) download(ctx context.Context, m media) (stagingDir, localPath string, err error) {
	url, err := b.api.GetFileDirectURL(m.FileID)
	if err != nil {
		return "", "", errors.Wrap(err, "resolve file URL")
	}

	stagingDir = filepath.Join(b.cfg.StagingDir, newStagingID())
	inputDir := filepath.Join(stagingDir, "input")
	if err := os.MkdirAll(inputDir, 0o700); err != nil {
		return "", "", errors.Wrapf(err, "create staging dir %s", inputDir)
	}
	localPath = filepath.Join(inputDir, safeLocalName(m.Name))

	if err := fetch(ctx, url, localPath); err != nil {
		os.RemoveAll(stagingDir)
		return "", "", err
	}
	return stagingDir, localPath, nil
}

func fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build download request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "download file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("download file: unexpected status %s", resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "create %s", dest)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", dest)
	}
	return errors.Wrapf(f.Close(), "flush %s", dest)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeLocalName keeps client-supplied filenames from escaping the staging
// directory
func safeLocalName(name string) string {
	s := unsafeNameChars.ReplaceAllString(filepath.Base(name), "_")
	if len(s) > 128 {
		s = s[:128]
	}
	if s == "" || s == "." || s == ".." {
		s = "input"
	}
	return s
}
