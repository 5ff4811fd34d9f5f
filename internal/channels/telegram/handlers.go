package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/channels"
	"github.com/halogate/halogate/internal/channels/typing"
)

// inboundFacts is everything handleMessage derives once from a raw update
// before the policy gates, content assembly, and publish stages consume it.
type inboundFacts struct {
	msg         *telego.Message
	userID      string // numeric id
	senderID    string // "id|username" compound when a username exists
	senderLabel string // display name for group annotations
	chatID      int64
	chatIDStr   string
	localKey    string // chat id plus ":topic:N" inside forum topics
	isGroup     bool
	isForum     bool
	threadID    int
}

// handleMessage processes one incoming Telegram update end to end:
// screen, gate, assemble, indicate, publish.
func (c *Channel) handleMessage(ctx context.Context, update telego.Update) {
	message := update.Message
	if message == nil || message.From == nil {
		return
	}
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}

	in := c.deriveFacts(message)

	slog.Debug("telegram inbound",
		"chat_type", message.Chat.Type,
		"chat_id", in.chatID,
		"sender", in.senderID,
		"preview", channels.Truncate(message.Text, 60),
	)

	if !c.passesPolicy(ctx, in) {
		return
	}

	if in.threadID > 0 {
		c.threadIDs.Store(in.localKey, in.threadID)
	}

	content, mediaPaths, mediaList := c.assembleContent(ctx, in)
	if content == "" {
		content = "[empty message]"
	}

	if handled := c.handleBotCommand(ctx, message, in.chatID, in.chatIDStr, in.localKey,
		content, in.senderID, in.isGroup, in.isForum, in.threadID); handled {
		return
	}

	// Group mention gate: un-mentioned group chatter is remembered as
	// context but never starts a run.
	if in.isGroup && c.requireMention && !c.isAddressed(message) {
		c.groupHistory.Record(in.localKey, channels.HistoryEntry{
			Sender:    in.senderLabel,
			Body:      content,
			Timestamp: time.Unix(int64(message.Date), 0),
			MessageID: fmt.Sprintf("%d", message.MessageID),
		}, c.historyLimit)
		return
	}

	// Group pairing gate, only reached once the bot is addressed.
	if in.isGroup && c.config.GroupPolicy == "pairing" && c.pairingService != nil {
		if !c.groupApproved(ctx, in) {
			return
		}
	}

	finalContent := content
	if in.isGroup {
		annotated := fmt.Sprintf("[From: %s]\n%s", in.senderLabel, content)
		finalContent = annotated
		if c.historyLimit > 0 {
			finalContent = c.groupHistory.BuildContext(in.localKey, annotated, c.historyLimit)
		}
	}

	c.startIndicators(ctx, in)

	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:      c.Name(),
		Account:      c.bot.Username(),
		SenderID:     in.senderID,
		ChatID:       in.chatIDStr,
		Content:      finalContent,
		Media:        mediaPaths,
		PeerKind:     in.peerKind(),
		UserID:       in.userID,
		AgentID:      c.routeAgent(mediaList),
		HistoryLimit: c.historyLimit,
		Metadata:     in.metadata(),
	})

	if in.isGroup {
		c.groupHistory.Clear(in.localKey)
	}
}

// deriveFacts computes the ids, keys, and forum routing for one message.
func (c *Channel) deriveFacts(message *telego.Message) inboundFacts {
	user := message.From
	in := inboundFacts{
		msg:     message,
		userID:  fmt.Sprintf("%d", user.ID),
		chatID:  message.Chat.ID,
		isGroup: message.Chat.Type == "group" || message.Chat.Type == "supergroup",
	}
	in.chatIDStr = fmt.Sprintf("%d", in.chatID)

	in.senderID = in.userID
	if user.Username != "" {
		in.senderID = in.userID + "|" + user.Username
	}
	in.senderLabel = user.FirstName
	if user.Username != "" {
		in.senderLabel = "@" + user.Username
	}

	// Outside forums, message_thread_id is reply context, not a topic; in
	// forums, no thread id means the General topic.
	in.isForum = in.isGroup && message.Chat.IsForum
	if in.isForum {
		in.threadID = message.MessageThreadID
		if in.threadID == 0 {
			in.threadID = telegramGeneralTopicID
		}
	}

	in.localKey = in.chatIDStr
	if in.isForum && in.threadID > 0 {
		in.localKey = fmt.Sprintf("%s:topic:%d", in.chatIDStr, in.threadID)
	}
	return in
}

func (in inboundFacts) peerKind() string {
	if in.isGroup {
		return "group"
	}
	return "direct"
}

func (in inboundFacts) metadata() map[string]string {
	md := map[string]string{
		"message_id": fmt.Sprintf("%d", in.msg.MessageID),
		"user_id":    in.userID,
		"username":   in.msg.From.Username,
		"first_name": in.msg.From.FirstName,
		"is_group":   fmt.Sprintf("%t", in.isGroup),
		"local_key":  in.localKey,
	}
	if in.isForum {
		md["is_forum"] = "true"
		md["message_thread_id"] = fmt.Sprintf("%d", in.threadID)
	}
	return md
}

// passesPolicy applies the channel's DM or group access policy. A rejected
// DM under the pairing policy gets a pairing-code reply; everything else is
// dropped with only a log line.
func (c *Channel) passesPolicy(ctx context.Context, in inboundFacts) bool {
	if in.isGroup {
		policy := c.config.GroupPolicy
		if policy == "" {
			policy = "open"
		}
		switch policy {
		case "disabled":
			slog.Debug("telegram group rejected: groups disabled", "chat_id", in.chatID)
			return false
		case "allowlist":
			if !c.IsAllowed(in.userID) && !c.IsAllowed(in.senderID) {
				slog.Debug("telegram group rejected by allowlist", "sender", in.senderID)
				return false
			}
		}
		return true // "open" and "pairing" (pairing gates later, after the mention gate)
	}

	policy := c.config.DMPolicy
	if policy == "" {
		policy = "pairing" // secure default for DMs from strangers
	}
	switch policy {
	case "disabled":
		slog.Debug("telegram DM rejected: DMs disabled", "sender", in.senderID)
		return false
	case "open":
		return true
	case "allowlist":
		if !c.IsAllowed(in.userID) && !c.IsAllowed(in.senderID) {
			slog.Debug("telegram DM rejected by allowlist", "sender", in.senderID)
			return false
		}
		return true
	default: // "pairing" or unknown
		paired := c.pairingService != nil &&
			(c.pairingService.IsPaired(in.userID, c.Name()) || c.pairingService.IsPaired(in.senderID, c.Name()))
		allowed := c.HasAllowList() && (c.IsAllowed(in.userID) || c.IsAllowed(in.senderID))
		if !paired && !allowed {
			slog.Debug("telegram DM rejected: sender not paired", "sender", in.senderID)
			c.sendPairingReply(ctx, in.chatID, in.userID, in.msg.From.Username)
			return false
		}
		return true
	}
}

// groupApproved checks (and caches) whether a group chat has been paired.
func (c *Channel) groupApproved(ctx context.Context, in inboundFacts) bool {
	if _, cached := c.approvedGroups.Load(in.chatIDStr); cached {
		return true
	}
	groupSenderID := fmt.Sprintf("group:%d", in.chatID)
	if c.pairingService.IsPaired(groupSenderID, c.Name()) {
		c.approvedGroups.Store(in.chatIDStr, true)
		return true
	}
	c.sendGroupPairingReply(ctx, in.chatID, in.chatIDStr, groupSenderID)
	return false
}

// assembleContent turns the message's text, caption, attachments, and reply
// context into the final user-facing content string, returning the local
// paths of downloaded attachments alongside.
func (c *Channel) assembleContent(ctx context.Context, in inboundFacts) (string, []string, []MediaInfo) {
	message := in.msg

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	mediaList := c.resolveMedia(ctx, message)
	var mediaPaths []string
	var extra string

	for i := range mediaList {
		m := &mediaList[i]
		switch m.Type {
		case "audio", "voice":
			transcript, err := c.transcribeAudio(ctx, m.FilePath)
			if err != nil {
				slog.Warn("telegram transcription failed, keeping bare media tag",
					"type", m.Type, "error", err)
			} else {
				m.Transcript = transcript
			}
		case "document":
			if m.FileName != "" && m.FilePath != "" {
				docContent, err := extractDocumentContent(m.FilePath, m.FileName)
				if err != nil {
					slog.Warn("document extraction failed", "file", m.FileName, "error", err)
				} else if docContent != "" {
					extra += "\n\n" + docContent
				}
			}
		case "video", "animation":
			if content == "" {
				extra += "\n\n[Video received — video content analysis is not supported, only caption text is processed]"
			}
		}
		if m.FilePath != "" {
			mediaPaths = append(mediaPaths, m.FilePath)
		}
	}

	// Tags go in front once transcripts are populated; extracted document
	// text trails the user's own words.
	if tags := buildMediaTags(mediaList); tags != "" {
		if content != "" {
			content = tags + "\n\n" + content
		} else {
			content = tags
		}
	}
	content += extra

	if note := describeReferences(message); note != "" {
		content = note + "\n" + content
	}

	return content, mediaPaths, mediaList
}

// describeReferences annotates replies, shared locations, contacts, and
// polls so the model sees what the message pointed at.
func describeReferences(message *telego.Message) string {
	var notes []string

	if r := message.ReplyToMessage; r != nil {
		from := "someone"
		if r.From != nil {
			if r.From.Username != "" {
				from = "@" + r.From.Username
			} else {
				from = r.From.FirstName
			}
		}
		excerpt := r.Text
		if excerpt == "" {
			excerpt = r.Caption
		}
		notes = append(notes, fmt.Sprintf("[In reply to %s: %s]", from, channels.Truncate(excerpt, 120)))
	}
	if l := message.Location; l != nil {
		notes = append(notes, fmt.Sprintf("[Shared location: %.5f, %.5f]", l.Latitude, l.Longitude))
	}
	if ct := message.Contact; ct != nil {
		notes = append(notes, fmt.Sprintf("[Shared contact: %s %s]", ct.FirstName, ct.PhoneNumber))
	}
	if p := message.Poll; p != nil {
		notes = append(notes, fmt.Sprintf("[Poll: %s]", channels.Truncate(p.Question, 120)))
	}
	return strings.Join(notes, "\n")
}

// startIndicators kicks off the typing keepalive and, for DMs, the
// "Thinking..." placeholder that Send later edits into the reply. Group
// placeholders drift away under new traffic, so groups reply in-thread
// instead.
func (c *Channel) startIndicators(ctx context.Context, in inboundFacts) {
	chatIDObj := tu.ID(in.chatID)

	// Telegram's typing signal expires after ~5s; refresh at 4s and hard
	// stop after 60s so a hung run can't type forever.
	typingCtrl := typing.New(typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 4 * time.Second,
		StartFn: func() error {
			action := tu.ChatAction(chatIDObj, telego.ChatActionTyping)
			if in.threadID > 0 {
				action.MessageThreadID = in.threadID
			}
			return c.bot.SendChatAction(ctx, action)
		},
	})
	if prev, ok := c.typingCtrls.Load(in.localKey); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(in.localKey, typingCtrl)
	typingCtrl.Start()

	if prevStop, ok := c.stopThinking.Load(in.localKey); ok {
		if cf, ok := prevStop.(*thinkingCancel); ok {
			cf.Cancel()
		}
	}
	_, thinkCancel := context.WithCancel(ctx)
	c.stopThinking.Store(in.localKey, &thinkingCancel{fn: thinkCancel})

	if !in.isGroup {
		thinkMsg := tu.Message(chatIDObj, "Thinking...")
		if sendThreadID := resolveThreadIDForSend(in.threadID); sendThreadID > 0 {
			thinkMsg.MessageThreadID = sendThreadID
		}
		if pMsg, err := c.bot.SendMessage(ctx, thinkMsg); err == nil {
			c.placeholders.Store(in.localKey, pMsg.MessageID)
		}
	}
}

// routeAgent picks the target agent for this inbound: the channel's bound
// agent unless a voice/audio attachment should land on the dedicated
// speaking agent.
func (c *Channel) routeAgent(mediaList []MediaInfo) string {
	if c.config.VoiceAgentID == "" {
		return c.AgentID()
	}
	for _, m := range mediaList {
		if m.Type == "audio" || m.Type == "voice" {
			return c.config.VoiceAgentID
		}
	}
	return c.AgentID()
}

// isAddressed reports whether the bot was mentioned in text or caption
// entities, named as a substring, or replied to.
func (c *Channel) isAddressed(msg *telego.Message) bool {
	botUsername := c.bot.Username()
	if botUsername == "" {
		return false
	}
	handle := "@" + strings.ToLower(botUsername)

	// Entity spans are authoritative when present: photos mention in
	// caption entities, text messages in text entities.
	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			span := pair.text[entity.Offset : entity.Offset+entity.Length]
			switch entity.Type {
			case "mention":
				if strings.EqualFold(span, "@"+botUsername) {
					return true
				}
			case "bot_command":
				if strings.Contains(strings.ToLower(span), handle) {
					return true
				}
			}
		}
	}

	// Fallback substring check for clients that drop entities.
	if strings.Contains(strings.ToLower(msg.Text), handle) ||
		strings.Contains(strings.ToLower(msg.Caption), handle) {
		return true
	}

	// Replying to one of the bot's own messages addresses it implicitly.
	if r := msg.ReplyToMessage; r != nil && r.From != nil && r.From.Username == botUsername {
		return true
	}
	return false
}

// isServiceMessage reports whether msg is a system notification (member
// joined, title changed, pin, ...) rather than user content. Those have no
// text, caption, or media, and feeding them through pollutes the mention
// gate and group history.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
