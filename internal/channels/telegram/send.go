package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/channels/typing"
)

// Error patterns Telegram's API surfaces as text.
var (
	parseErrRe           = regexp.MustCompile(`(?i)can't parse entities|parse entities|find end of the entity`)
	messageNotModifiedRe = regexp.MustCompile(`(?i)message is not modified`)
)

// Send delivers an outbound message to a Telegram chat. Supports text-only
// messages and messages with media attachments; reads metadata for
// reply-to-message and forum thread routing.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	// localKey is the composite lookup key (chat id plus optional topic
	// suffix) used by the per-chat sync.Maps.
	localKey := msg.ChatID
	if lk := msg.Metadata["local_key"]; lk != "" {
		localKey = lk
	}

	chatID, err := parseRawChatID(localKey)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	var replyToMsgID, threadID int
	if v := msg.Metadata["reply_to_message_id"]; v != "" {
		fmt.Sscanf(v, "%d", &replyToMsgID)
	}
	if v := msg.Metadata["message_thread_id"]; v != "" {
		fmt.Sscanf(v, "%d", &threadID)
	}
	if threadID == 0 {
		if tid, ok := c.threadIDs.Load(localKey); ok {
			threadID = tid.(int)
		}
	}

	// Placeholder update (e.g. provider retry notification): edit the
	// placeholder but keep it alive for the final response.
	if msg.Metadata["placeholder_update"] == "true" {
		if pID, ok := c.placeholders.Load(localKey); ok {
			_ = c.editMessage(ctx, chatID, pID.(int), msg.Content)
		}
		return nil
	}

	// Stop thinking animation
	if stop, ok := c.stopThinking.Load(localKey); ok {
		if cf, ok := stop.(*thinkingCancel); ok {
			cf.Cancel()
		}
		c.stopThinking.Delete(localKey)
	}

	// Stop typing indicator keepalive
	if ctrl, ok := c.typingCtrls.LoadAndDelete(localKey); ok {
		ctrl.(*typing.Controller).Stop()
	}

	// Empty content means the agent suppressed its reply; clean up the
	// placeholder and send nothing.
	if msg.Content == "" && len(msg.Media) == 0 {
		if pID, ok := c.placeholders.Load(localKey); ok {
			c.placeholders.Delete(localKey)
			_ = c.deleteMessage(ctx, chatID, pID.(int))
		}
		return nil
	}

	if len(msg.Media) > 0 {
		if pID, ok := c.placeholders.Load(localKey); ok {
			c.placeholders.Delete(localKey)
			_ = c.deleteMessage(ctx, chatID, pID.(int))
		}
		return c.sendMediaMessage(ctx, chatID, msg, replyToMsgID, threadID)
	}

	htmlContent := markdownToTelegramHTML(msg.Content)

	// Try to edit the placeholder (thinking stub or streaming draft) into
	// the final message; fall back to fresh chunked sends when it doesn't
	// fit or the edit fails.
	if pID, ok := c.placeholders.Load(localKey); ok {
		c.placeholders.Delete(localKey)
		if len(htmlContent) <= telegramMaxMessageLen {
			if err := c.editMessage(ctx, chatID, pID.(int), htmlContent); err == nil {
				return nil
			}
		}
		_ = c.deleteMessage(ctx, chatID, pID.(int))
	}

	// Only the first chunk replies to the user's message.
	chunks := chunkHTML(htmlContent, telegramMaxMessageLen)
	for i, chunk := range chunks {
		replyTo := 0
		if i == 0 {
			replyTo = replyToMsgID
		}
		if err := c.sendHTML(ctx, chatID, chunk, replyTo, threadID); err != nil {
			return err
		}
	}
	return nil
}

// sendMediaMessage sends a message with media attachments.
func (c *Channel) sendMediaMessage(ctx context.Context, chatID int64, msg bus.OutboundMessage, replyTo, threadID int) error {
	chatIDObj := tu.ID(chatID)

	for _, media := range msg.Media {
		caption := media.Caption
		if caption == "" && msg.Content != "" {
			caption = msg.Content
			msg.Content = "" // only the first media item carries the text
		}

		var followUpText string
		if len(caption) > telegramCaptionMaxLen {
			followUpText = caption[telegramCaptionMaxLen:]
			caption = caption[:telegramCaptionMaxLen]
		}

		ct := strings.ToLower(media.ContentType)
		var err error
		switch {
		case strings.HasPrefix(ct, "image/"):
			err = c.sendPhoto(ctx, chatIDObj, media.URL, caption, replyTo, threadID)
		case strings.HasPrefix(ct, "video/"):
			err = c.sendVideo(ctx, chatIDObj, media.URL, caption, replyTo, threadID)
		case strings.HasPrefix(ct, "audio/"):
			err = c.sendAudio(ctx, chatIDObj, media.URL, caption, replyTo, threadID)
		default:
			err = c.sendDocument(ctx, chatIDObj, media.URL, caption, replyTo, threadID)
		}
		if err != nil {
			return err
		}
		replyTo = 0

		if followUpText != "" {
			htmlContent := markdownToTelegramHTML(followUpText)
			for _, chunk := range chunkHTML(htmlContent, telegramMaxMessageLen) {
				if err := c.sendHTML(ctx, chatID, chunk, 0, threadID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// sendHTML sends a single HTML message, falling back to plain text if
// Telegram rejects the HTML entities.
func (c *Channel) sendHTML(ctx context.Context, chatID int64, html string, replyTo, threadID int) error {
	tgMsg := tu.Message(tu.ID(chatID), html)
	tgMsg.ParseMode = telego.ModeHTML

	if sendThreadID := resolveThreadIDForSend(threadID); sendThreadID > 0 {
		tgMsg.MessageThreadID = sendThreadID
	}
	if replyTo > 0 {
		tgMsg.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
	}
	if c.config.LinkPreview != nil && !*c.config.LinkPreview {
		tgMsg.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}

	if _, err := c.bot.SendMessage(ctx, tgMsg); err != nil {
		if parseErrRe.MatchString(err.Error()) {
			slog.Warn("HTML parse failed, falling back to plain text", "error", err)
			tgMsg.ParseMode = ""
			_, err = c.bot.SendMessage(ctx, tgMsg)
			return err
		}
		return err
	}
	return nil
}

func (c *Channel) sendPhoto(ctx context.Context, chatID telego.ChatID, filePath, caption string, replyTo, threadID int) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open photo %s: %w", filePath, err)
	}
	defer file.Close()

	params := &telego.SendPhotoParams{
		ChatID:  chatID,
		Photo:   telego.InputFile{File: file},
		Caption: caption,
	}
	if caption != "" {
		params.ParseMode = telego.ModeHTML
	}
	if sendThreadID := resolveThreadIDForSend(threadID); sendThreadID > 0 {
		params.MessageThreadID = sendThreadID
	}
	if replyTo > 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
	}

	_, err = c.bot.SendPhoto(ctx, params)
	return err
}

func (c *Channel) sendVideo(ctx context.Context, chatID telego.ChatID, filePath, caption string, replyTo, threadID int) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open video %s: %w", filePath, err)
	}
	defer file.Close()

	params := &telego.SendVideoParams{
		ChatID:  chatID,
		Video:   telego.InputFile{File: file},
		Caption: caption,
	}
	if caption != "" {
		params.ParseMode = telego.ModeHTML
	}
	if sendThreadID := resolveThreadIDForSend(threadID); sendThreadID > 0 {
		params.MessageThreadID = sendThreadID
	}
	if replyTo > 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
	}

	_, err = c.bot.SendVideo(ctx, params)
	return err
}

func (c *Channel) sendAudio(ctx context.Context, chatID telego.ChatID, filePath, caption string, replyTo, threadID int) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open audio %s: %w", filePath, err)
	}
	defer file.Close()

	params := &telego.SendAudioParams{
		ChatID:  chatID,
		Audio:   telego.InputFile{File: file},
		Caption: caption,
	}
	if caption != "" {
		params.ParseMode = telego.ModeHTML
	}
	if sendThreadID := resolveThreadIDForSend(threadID); sendThreadID > 0 {
		params.MessageThreadID = sendThreadID
	}
	if replyTo > 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
	}

	_, err = c.bot.SendAudio(ctx, params)
	return err
}

func (c *Channel) sendDocument(ctx context.Context, chatID telego.ChatID, filePath, caption string, replyTo, threadID int) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open document %s: %w", filePath, err)
	}
	defer file.Close()

	params := &telego.SendDocumentParams{
		ChatID:   chatID,
		Document: telego.InputFile{File: file},
		Caption:  caption,
	}
	if caption != "" {
		params.ParseMode = telego.ModeHTML
	}
	if sendThreadID := resolveThreadIDForSend(threadID); sendThreadID > 0 {
		params.MessageThreadID = sendThreadID
	}
	if replyTo > 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo}
	}

	_, err = c.bot.SendDocument(ctx, params)
	return err
}

// editMessage edits an existing message's text.
func (c *Channel) editMessage(ctx context.Context, chatID int64, messageID int, htmlText string) error {
	editMsg := tu.EditMessageText(tu.ID(chatID), messageID, htmlText)
	editMsg.ParseMode = telego.ModeHTML

	if _, err := c.bot.EditMessageText(ctx, editMsg); err != nil {
		if messageNotModifiedRe.MatchString(err.Error()) {
			return nil
		}
		return err
	}
	return nil
}

// deleteMessage deletes a message from the chat.
func (c *Channel) deleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
	})
}
