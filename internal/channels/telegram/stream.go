package telegram

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// draftEditInterval spaces out streaming preview edits; Telegram throttles
// message edits well below the delta rate an LLM stream produces.
const draftEditInterval = 1500 * time.Millisecond

// DraftStream is one in-progress streamed reply: a single Telegram message
// that gets edited in place as text accumulates, then handed over to Send
// as the placeholder for the final content.
type DraftStream struct {
	chatID   int64
	threadID int

	mu        sync.Mutex
	messageID int
	lastText  string
	lastEdit  time.Time
}

// OnStreamStart begins a streaming preview for chatID. The draft message
// itself is created lazily on the first chunk so empty runs never post.
func (c *Channel) OnStreamStart(_ context.Context, chatID string) error {
	rawID, err := parseRawChatID(chatID)
	if err != nil {
		return err
	}
	threadID := 0
	if tid, ok := c.threadIDs.Load(chatID); ok {
		threadID = tid.(int)
	}
	c.streams.Store(chatID, &DraftStream{chatID: rawID, threadID: threadID})
	return nil
}

// OnChunkEvent updates the draft with the accumulated text so far.
func (c *Channel) OnChunkEvent(ctx context.Context, chatID string, fullText string) error {
	val, ok := c.streams.Load(chatID)
	if !ok {
		return nil
	}
	ds := val.(*DraftStream)

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if fullText == ds.lastText {
		return nil
	}
	if ds.messageID != 0 && time.Since(ds.lastEdit) < draftEditInterval {
		return nil
	}

	preview := fullText
	if len(preview) > telegramMaxMessageLen-16 {
		preview = preview[:telegramMaxMessageLen-16] + "…"
	}

	if ds.messageID == 0 {
		tgMsg := tu.Message(tu.ID(ds.chatID), preview)
		if sendThreadID := resolveThreadIDForSend(ds.threadID); sendThreadID > 0 {
			tgMsg.MessageThreadID = sendThreadID
		}
		sent, err := c.bot.SendMessage(ctx, tgMsg)
		if err != nil {
			return err
		}
		ds.messageID = sent.MessageID
	} else {
		editMsg := tu.EditMessageText(tu.ID(ds.chatID), ds.messageID, preview)
		if _, err := c.bot.EditMessageText(ctx, editMsg); err != nil &&
			!messageNotModifiedRe.MatchString(err.Error()) {
			slog.Debug("draft stream edit failed", "error", err)
		}
	}
	ds.lastText = fullText
	ds.lastEdit = time.Now()
	return nil
}

// OnStreamEnd finishes the preview. A posted draft message becomes the
// placeholder Send edits into the final reply, whether or not finalText is
// set; a later draft in the same chat replaces it as the placeholder.
func (c *Channel) OnStreamEnd(_ context.Context, chatID string, finalText string) error {
	val, ok := c.streams.LoadAndDelete(chatID)
	if !ok {
		return nil
	}
	ds := val.(*DraftStream)

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.messageID != 0 {
		c.placeholders.Store(chatID, ds.messageID)
	}
	return nil
}

// --- Status reactions ---

// reactionForStatus maps run states to the reaction emoji Telegram accepts.
var reactionForStatus = map[string]string{
	"thinking": "👀",
	"tool":     "✍",
	"done":     "👌",
	"error":    "🤷",
}

// OnReactionEvent sets the status reaction on the user's triggering message.
func (c *Channel) OnReactionEvent(ctx context.Context, chatID string, messageID int, status string) error {
	if c.config.ReactionLevel == "off" || messageID == 0 {
		return nil
	}
	if c.config.ReactionLevel == "minimal" && status != "done" && status != "error" {
		return nil
	}
	emoji, ok := reactionForStatus[status]
	if !ok {
		return nil
	}
	rawID, err := parseRawChatID(chatID)
	if err != nil {
		return err
	}

	params := &telego.SetMessageReactionParams{
		ChatID:    tu.ID(rawID),
		MessageID: messageID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: "emoji", Emoji: emoji},
		},
	}
	if status == "done" || status == "error" {
		// Terminal reactions clear themselves after a beat so old messages
		// don't accumulate stale status markers.
		go func() {
			time.Sleep(30 * time.Second)
			_ = c.ClearReaction(context.Background(), chatID, messageID)
		}()
	}
	return c.bot.SetMessageReaction(ctx, params)
}

// ClearReaction removes any status reaction from a message.
func (c *Channel) ClearReaction(ctx context.Context, chatID string, messageID int) error {
	rawID, err := parseRawChatID(chatID)
	if err != nil {
		return err
	}
	return c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(rawID),
		MessageID: messageID,
		Reaction:  []telego.ReactionType{},
	})
}

// handleCallbackQuery acknowledges inline-button callbacks so clients stop
// showing a spinner; the buttons themselves are registered by commands.
func (c *Channel) handleCallbackQuery(ctx context.Context, query *telego.CallbackQuery) {
	if err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: query.ID,
	}); err != nil {
		slog.Debug("callback query ack failed", "error", err)
	}
}
