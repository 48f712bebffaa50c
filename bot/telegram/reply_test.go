package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"

	"transcribe-orchestrator/core/executor"
	"transcribe-orchestrator/core/lifecycle"
	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/core/scheduler"
)

func TestSplitTranscript(t *testing.T) {
	inline, attach := splitTranscript("short text", 4096)
	assert.Equal(t, "short text", inline)
	assert.False(t, attach)

	long := strings.Repeat("a", 5000)
	inline, attach = splitTranscript(long, 4096)
	assert.Len(t, inline, 4096)
	assert.True(t, attach)
}

func TestSplitTranscriptCountsCharactersNotBytes(t *testing.T) {
	// 2000 characters but 6000 bytes; fits the character limit
	wide := strings.Repeat("あ", 2000)
	inline, attach := splitTranscript(wide, 4096)
	assert.Equal(t, wide, inline)
	assert.False(t, attach)

	wide = strings.Repeat("あ", 5000)
	inline, attach = splitTranscript(wide, 4096)
	assert.True(t, attach)
	assert.Equal(t, 4096, utf8.RuneCountInString(inline))
	assert.True(t, utf8.ValidString(inline), "truncation must not cut mid-rune")
}

func TestStatusLineCoversEveryInFlightStatus(t *testing.T) {
	inFlight := []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusProvisioning,
		models.JobStatusConnecting,
		models.JobStatusUploading,
		models.JobStatusTranscribing,
		models.JobStatusFetching,
	}
	for _, status := range inFlight {
		assert.NotEmpty(t, statusLine(status), "status %s", status)
	}
	// terminal statuses are announced through the result, not a progress edit
	assert.Empty(t, statusLine(models.JobStatusCompleted))
	assert.Empty(t, statusLine(models.JobStatusFailed))
}

func TestFailureTextNeverLeaksInternals(t *testing.T) {
	cases := []error{
		&scheduler.AdmissionError{Reason: scheduler.ReasonGlobalLimit, UserID: "99"},
		&scheduler.AdmissionError{Reason: scheduler.ReasonUserLimit, UserID: "99"},
		&scheduler.AdmissionError{Reason: scheduler.ReasonNotAllowed, UserID: "99"},
		scheduler.ErrInputTooLarge,
		scheduler.ErrJobTimeout,
		scheduler.ErrJobCancelled,
		&executor.ExecutionError{Kind: executor.ExecNonZeroExit, ExitCode: 2, StderrTail: "whisperx: cuda out of memory"},
		&lifecycle.ProvisionError{Attempts: 3, Cause: errors.New("substrate timeout on node 42")},
		&lifecycle.CredentialInjectionError{ExitCode: 1, Stderr: "permission denied"},
		lifecycle.ErrReadinessTimeout,
		errors.New("dial tcp 42a:1b2c::7: no route"),
	}
	for _, err := range cases {
		text := failureText(err)
		assert.NotEmpty(t, text, "error %v", err)
		assert.NotContains(t, text, "42", "error %v leaked internals", err)
		assert.NotContains(t, text, "cuda", "error %v leaked internals", err)
	}
}

func TestFailureTextDistinguishesAdmissionReasons(t *testing.T) {
	global := failureText(&scheduler.AdmissionError{Reason: scheduler.ReasonGlobalLimit})
	user := failureText(&scheduler.AdmissionError{Reason: scheduler.ReasonUserLimit})
	denied := failureText(&scheduler.AdmissionError{Reason: scheduler.ReasonNotAllowed})
	assert.NotEqual(t, global, user)
	assert.Equal(t, "Access denied.", denied)
}

func TestExtractMedia(t *testing.T) {
	voice := &tgbotapi.Message{MessageID: 7, Voice: &tgbotapi.Voice{FileID: "v1", FileSize: 1024}}
	m, ok := extractMedia(voice)
	assert.True(t, ok)
	assert.Equal(t, "v1", m.FileID)
	assert.Equal(t, "voice-7.ogg", m.Name)
	assert.Equal(t, int64(1024), m.Size)

	audio := &tgbotapi.Message{MessageID: 8, Audio: &tgbotapi.Audio{FileID: "a1", FileName: "podcast.mp3"}}
	m, ok = extractMedia(audio)
	assert.True(t, ok)
	assert.Equal(t, "podcast.mp3", m.Name)

	doc := &tgbotapi.Message{MessageID: 9, Document: &tgbotapi.Document{FileID: "d1"}}
	m, ok = extractMedia(doc)
	assert.True(t, ok)
	assert.Equal(t, "document-9", m.Name)

	_, ok = extractMedia(&tgbotapi.Message{MessageID: 10, Text: "hello"})
	assert.False(t, ok)
}

func TestSafeLocalName(t *testing.T) {
	assert.Equal(t, "notes.mp3", safeLocalName("notes.mp3"))
	assert.Equal(t, "passwd", safeLocalName("../../etc/passwd"))
	assert.Equal(t, "a_b.ogg", safeLocalName("a b.ogg"))
	assert.Equal(t, "input", safeLocalName(""))
	assert.Len(t, safeLocalName(strings.Repeat("x", 300)), 128)
}
