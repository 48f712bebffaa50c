package telegram

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/core/repository"
	"transcribe-orchestrator/core/scheduler"
)

// statusEditInterval throttles status-message edits per job so a chatty
// job cannot run the bot into Telegram's rate limits
const statusEditInterval = 2 * time.Second

// Config carries the transport-side settings
type Config struct {
	StagingDir      string // downloaded inputs live here until the job ends
	MaxInputBytes   int64  // pre-download ceiling; the scheduler re-checks
	DefaultModel    string
	DefaultLanguage string
}

// jobRef ties an in-flight job to the chat that owns it
type jobRef struct {
	ownerID    int64
	chatID     int64
	statusID   int // status message the bot keeps editing
	originalID int // requester's media message, for replies
	stagingDir string
	cancel     func()
}

// Bot is the chat transport adapter. It maps Telegram updates into
// scheduler submissions and job events back into message edits; the core
// never sees a Telegram type.
type Bot struct {
	api      *tgbotapi.BotAPI
	sched    *scheduler.Scheduler
	settings *repository.SettingsRepository
	cfg      Config
	log      *zap.SugaredLogger

	mu   sync.Mutex
	jobs map[string]jobRef
	wg   sync.WaitGroup

	handle func(ctx context.Context, update tgbotapi.Update)
}

// New connects to the Telegram API and returns the adapter
func New(
	log *zap.SugaredLogger,
	token string,
	sched *scheduler.Scheduler,
	settings *repository.SettingsRepository,
	cfg Config,
) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	b := &Bot{
		api:      api,
		sched:    sched,
		settings: settings,
		cfg:      cfg,
		log:      log.Named("bot"),
	}
	b.jobs = make(map[string]jobRef)
	b.handle = b.handleUpdate
	b.log.Infow("authorized", "account", api.Self.UserName)
	return b, nil
}

// Run long-polls for updates until ctx ends, then waits for in-flight
// update handlers and reply deliveries to settle
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			return
		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return
			}
			b.dispatch(ctx, update)
		}
	}
}

// dispatch hands each update to its own goroutine so one user's download
// never stalls another's submission or cancel press
func (b *Bot) dispatch(ctx context.Context, update tgbotapi.Update) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.handle(ctx, update)
	}()
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(update.Message)
	case update.Message != nil:
		b.handleMedia(ctx, update.Message)
	}
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	user := msg.From
	if user == nil {
		return
	}
	if !b.sched.Allowed(userKey(user.ID), user.UserName) {
		b.reply(msg, "Access denied.")
		return
	}

	switch msg.Command() {
	case "start", "help":
		b.reply(msg, helpText())
	case "settings":
		b.settingsCommand(msg, user)
	case "model":
		b.modelCommand(msg, user)
	case "language":
		b.languageCommand(msg, user)
	}
}

func (b *Bot) settingsCommand(msg *tgbotapi.Message, user *tgbotapi.User) {
	settings := b.userSettings(user)
	b.reply(msg, fmt.Sprintf("Your settings:\n- Model: %s\n- Language: %s",
		settings.Model, settings.Language))
}

func (b *Bot) modelCommand(msg *tgbotapi.Message, user *tgbotapi.User) {
	arg := strings.ToLower(strings.TrimSpace(msg.CommandArguments()))
	if arg == "" {
		b.reply(msg, fmt.Sprintf("Usage: /model <%s>", strings.Join(models.ModelChoices, "|")))
		return
	}
	if !models.ValidModel(arg) {
		b.reply(msg, "Invalid model. Choose one of: "+strings.Join(models.ModelChoices, ", "))
		return
	}
	if err := b.settings.SetModel(user.ID, user.UserName, arg); err != nil {
		b.log.Errorw("store model setting", "user", user.ID, "error", err)
		b.reply(msg, "Could not save that setting, please try again.")
		return
	}
	b.reply(msg, "Model set to: "+arg)
}

func (b *Bot) languageCommand(msg *tgbotapi.Message, user *tgbotapi.User) {
	arg := strings.ToLower(strings.TrimSpace(msg.CommandArguments()))
	if arg == "" {
		b.reply(msg, "Usage: /language <auto|code>")
		return
	}
	if !models.ValidLanguage(arg) {
		b.reply(msg, "Invalid language code. Use 'auto' or ISO 639-1 codes like en, es, de.")
		return
	}
	if err := b.settings.SetLanguage(user.ID, user.UserName, arg); err != nil {
		b.log.Errorw("store language setting", "user", user.ID, "error", err)
		b.reply(msg, "Could not save that setting, please try again.")
		return
	}
	b.reply(msg, "Language set to: "+arg)
}

// handleMedia downloads the attachment, submits the job, and leaves a
// watcher goroutine to narrate its progress
func (b *Bot) handleMedia(ctx context.Context, msg *tgbotapi.Message) {
	user := msg.From
	if user == nil {
		return
	}
	if !b.sched.Allowed(userKey(user.ID), user.UserName) {
		b.reply(msg, "Access denied.")
		return
	}

	media, ok := extractMedia(msg)
	if !ok {
		b.reply(msg, "I can't process that message. Please send an audio or video file.")
		return
	}
	if media.Size > b.cfg.MaxInputBytes {
		b.reply(msg, failureText(scheduler.ErrInputTooLarge))
		return
	}

	status := b.send(replyTo(msg, "Downloading..."))
	if status == nil {
		return
	}

	stagingDir, localPath, err := b.download(ctx, media)
	if err != nil {
		b.log.Errorw("download failed", "user", user.ID, "file", media.Name, "error", err)
		b.edit(msg.Chat.ID, status.MessageID, "Failed to download the file from Telegram.")
		return
	}

	settings := b.userSettings(user)
	handle, err := b.sched.Submit(scheduler.Request{
		UserID:    userKey(user.ID),
		Username:  user.UserName,
		InputPath: localPath,
		InputName: media.Name,
		InputSize: media.Size,
		Options: models.JobOptions{
			Model:    settings.Model,
			Language: settings.Language,
		},
	})
	if err != nil {
		os.RemoveAll(stagingDir)
		b.edit(msg.Chat.ID, status.MessageID, failureText(err))
		return
	}

	ref := jobRef{
		ownerID:    user.ID,
		chatID:     msg.Chat.ID,
		statusID:   status.MessageID,
		originalID: msg.MessageID,
		stagingDir: stagingDir,
		cancel:     handle.Cancel,
	}
	b.mu.Lock()
	b.jobs[handle.ID] = ref
	b.mu.Unlock()

	b.editWithCancel(ref, handle.ID, "Starting...")

	b.wg.Add(1)
	go b.watchJob(handle, ref)
}

// watchJob narrates a job's progress into its status message and delivers
// the final outcome
func (b *Bot) watchJob(handle *scheduler.Handle, ref jobRef) {
	defer b.wg.Done()
	defer os.RemoveAll(ref.stagingDir)

	limiter := rate.NewLimiter(rate.Every(statusEditInterval), 1)
	for ev := range handle.Events() {
		if ev.To.Terminal() {
			continue
		}
		line := statusLine(ev.To)
		if line == "" || !limiter.Allow() {
			continue
		}
		b.editWithCancel(ref, handle.ID, line)
	}

	res, err := handle.Result()
	b.mu.Lock()
	delete(b.jobs, handle.ID)
	b.mu.Unlock()

	if err != nil {
		b.edit(ref.chatID, ref.statusID, failureText(err))
		return
	}
	b.deliverTranscript(ref, handle.ID, res.Text)
}

func (b *Bot) handleCallback(query *tgbotapi.CallbackQuery) {
	if query.Data == "" || query.Message == nil || query.From == nil {
		return
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		b.log.Debugw("callback ack failed", "error", err)
	}

	jobID, ok := strings.CutPrefix(query.Data, "cancel:")
	if !ok {
		return
	}

	b.mu.Lock()
	ref, found := b.jobs[jobID]
	b.mu.Unlock()
	// only the requester may cancel their job
	if !found || ref.ownerID != query.From.ID {
		return
	}

	ref.cancel()
	b.edit(ref.chatID, ref.statusID, "Canceling...")
	b.log.Infow("job cancel requested", "job", jobID, "user", query.From.ID)
}

func (b *Bot) userSettings(user *tgbotapi.User) models.UserSettings {
	defaults := models.UserSettings{
		Model:    b.cfg.DefaultModel,
		Language: b.cfg.DefaultLanguage,
	}
	settings, err := b.settings.Get(user.ID, defaults)
	if err != nil {
		b.log.Warnw("load user settings", "user", user.ID, "error", err)
		return defaults
	}
	return settings
}

func (b *Bot) reply(msg *tgbotapi.Message, text string) {
	b.send(replyTo(msg, text))
}

func (b *Bot) send(c tgbotapi.Chattable) *tgbotapi.Message {
	sent, err := b.api.Send(c)
	if err != nil {
		b.log.Warnw("send failed", "error", err)
		return nil
	}
	return &sent
}

func (b *Bot) edit(chatID int64, messageID int, text string) {
	if _, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		b.log.Debugw("edit failed", "chat", chatID, "message", messageID, "error", err)
	}
}

// editWithCancel edits the status message keeping the Cancel button attached
func (b *Bot) editWithCancel(ref jobRef, jobID, text string) {
	edit := tgbotapi.NewEditMessageText(ref.chatID, ref.statusID, text)
	markup := cancelKeyboard(jobID)
	edit.ReplyMarkup = &markup
	if _, err := b.api.Send(edit); err != nil {
		b.log.Debugw("edit failed", "chat", ref.chatID, "message", ref.statusID, "error", err)
	}
}

func cancelKeyboard(jobID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Cancel", "cancel:"+jobID),
		),
	)
}

func replyTo(msg *tgbotapi.Message, text string) tgbotapi.MessageConfig {
	out := tgbotapi.NewMessage(msg.Chat.ID, text)
	out.ReplyToMessageID = msg.MessageID
	return out
}

func userKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func newStagingID() string {
	return uuid.New().String()
}
