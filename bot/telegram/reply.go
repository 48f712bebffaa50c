package telegram

import (
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"transcribe-orchestrator/core/executor"
	"transcribe-orchestrator/core/lifecycle"
	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/core/scheduler"
)

// telegramTextLimit is Telegram's hard cap on one message's text, in
// characters, not bytes
const telegramTextLimit = 4096

// deliverTranscript puts the transcript in the status message, attaching
// the full text as a document when it does not fit
func (b *Bot) deliverTranscript(ref jobRef, jobID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		b.edit(ref.chatID, ref.statusID, "Transcription completed, but no speech was detected.")
		return
	}

	inline, attach := splitTranscript(text, telegramTextLimit)
	b.edit(ref.chatID, ref.statusID, inline)
	if !attach {
		return
	}

	doc := tgbotapi.NewDocument(ref.chatID, tgbotapi.FileBytes{
		Name:  "transcript-" + jobID + ".txt",
		Bytes: []byte(text),
	})
	doc.Caption = "Full transcript"
	doc.ReplyToMessageID = ref.originalID
	b.send(doc)
}

// splitTranscript decides what goes in the message body. Text over the
// limit is truncated inline and flagged for a document attachment. The
// limit counts characters, and the cut lands on a rune boundary so the
// inline part is always valid UTF-8.
func splitTranscript(text string, limit int) (inline string, attach bool) {
	if utf8.RuneCountInString(text) <= limit {
		return text, false
	}
	return string([]rune(text)[:limit]), true
}

// statusLine renders a job status as the requester's progress note;
// empty means the transition is not worth a message edit
func statusLine(status models.JobStatus) string {
	switch status {
	case models.JobStatusPending:
		return "Starting..."
	case models.JobStatusProvisioning:
		return "Provisioning worker..."
	case models.JobStatusConnecting:
		return "Connecting to worker..."
	case models.JobStatusUploading:
		return "Uploading your file..."
	case models.JobStatusTranscribing:
		return "Transcribing..."
	case models.JobStatusFetching:
		return "Fetching transcript..."
	}
	return ""
}

// failureText maps an error to the single line the requester sees. The
// specific failure stays in the operator logs; requesters get the category.
func failureText(err error) string {
	var admission *scheduler.AdmissionError
	if errors.As(err, &admission) {
		switch admission.Reason {
		case scheduler.ReasonNotAllowed:
			return "Access denied."
		case scheduler.ReasonUserLimit:
			return "You already have a job in flight. Wait for it to finish."
		default:
			return "The transcriber is at capacity right now. Please try again soon."
		}
	}

	switch {
	case errors.Is(err, scheduler.ErrInputTooLarge):
		return "That file is too large to process."
	case errors.Is(err, scheduler.ErrJobTimeout):
		return "This job exceeded the maximum processing time and was canceled."
	case errors.Is(err, scheduler.ErrJobCancelled):
		return "Canceled."
	}

	var execErr *executor.ExecutionError
	if errors.As(err, &execErr) {
		return "Transcription failed on the worker. Please try again."
	}

	var provErr *lifecycle.ProvisionError
	var credErr *lifecycle.CredentialInjectionError
	if errors.As(err, &provErr) || errors.As(err, &credErr) ||
		errors.Is(err, lifecycle.ErrReadinessTimeout) {
		return "Could not start a transcription worker. Please try again."
	}

	return "Something went wrong processing this job."
}

func helpText() string {
	return "Hi! Send me an audio or video, and I'll transcribe it.\n" +
		"Commands:\n" +
		"/model <" + strings.Join(models.ModelChoices, "|") + ">\n" +
		"/language <auto|en|es|de|...>\n" +
		"/settings to view your current settings."
}
