// Package discord is the Discord channel plugin: gateway-event inbound with
// mention gating and pairing, placeholder-edit outbound with chunked
// follow-ups, and attachment download for the vision pipeline.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/halogate/halogate/internal/bus"
	"github.com/halogate/halogate/internal/channels"
	"github.com/halogate/halogate/internal/channels/typing"
	"github.com/halogate/halogate/internal/config"
	"github.com/halogate/halogate/internal/store"
)

const (
	discordMaxMessageLen = 2000
	pairingDebounceTime  = 60 * time.Second
	attachmentMaxBytes   = 20 * 1024 * 1024
)

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	botUserID      string // populated on start
	botUsername    string
	requireMention bool

	placeholders    sync.Map // inbound message id → placeholder message id
	typingCtrls     sync.Map // channel id → *typing.Controller
	pairingService  store.PairingStore
	pairingDebounce sync.Map // sender id → time.Time
	groupHistory    *channels.PendingHistory
	historyLimit    int
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	base := channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom)
	base.ValidatePolicy(cfg.DMPolicy, cfg.GroupPolicy)

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit == 0 {
		historyLimit = channels.DefaultGroupHistoryLimit
	}

	return &Channel{
		BaseChannel:    base,
		session:        session,
		config:         cfg,
		requireMention: requireMention,
		pairingService: pairingSvc,
		groupHistory:   channels.NewPendingHistory(),
		historyLimit:   historyLimit,
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	me, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = me.ID
	c.botUsername = me.Username

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", me.Username, "id", me.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound message: edit the "Thinking..." placeholder into
// the first chunk when one exists, then follow up with additional messages
// for whatever didn't fit.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}

	// Placeholders key by the inbound message id so two prompts racing in
	// one channel each edit their own stub.
	placeholderKey := channelID
	if pk := msg.Metadata["placeholder_key"]; pk != "" {
		placeholderKey = pk
	}

	// A placeholder update (provider retry notice) edits in place and
	// keeps the stub alive for the final reply.
	if msg.Metadata["placeholder_update"] == "true" {
		if pID, ok := c.placeholders.Load(placeholderKey); ok {
			_, _ = c.session.ChannelMessageEdit(channelID, pID.(string), msg.Content)
		}
		return nil
	}

	if ctrl, ok := c.typingCtrls.LoadAndDelete(channelID); ok {
		ctrl.(*typing.Controller).Stop()
	}

	// Empty content means the agent suppressed its reply; take the stub
	// down and send nothing.
	if msg.Content == "" {
		if pID, ok := c.placeholders.LoadAndDelete(placeholderKey); ok {
			_ = c.session.ChannelMessageDelete(channelID, pID.(string))
		}
		return nil
	}

	first, rest := splitAt(msg.Content, discordMaxMessageLen)
	if pID, ok := c.placeholders.LoadAndDelete(placeholderKey); ok {
		if _, err := c.session.ChannelMessageEdit(channelID, pID.(string), first); err == nil {
			return c.sendChunked(channelID, rest)
		}
		slog.Warn("discord placeholder edit failed, sending fresh messages",
			"channel_id", channelID, "error", "edit rejected")
	}
	return c.sendChunked(channelID, msg.Content)
}

// sendChunked sends content as however many messages the length cap needs.
func (c *Channel) sendChunked(channelID, content string) error {
	for content != "" {
		var chunk string
		chunk, content = splitAt(content, discordMaxMessageLen)
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// splitAt cuts content at the length cap, preferring the last newline in
// the back half of the window so paragraphs survive.
func splitAt(content string, maxLen int) (head, tail string) {
	if len(content) <= maxLen {
		return content, ""
	}
	cutAt := maxLen
	if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
		cutAt = idx + 1
	}
	return content[:cutAt], content[cutAt:]
}

// handleMessage screens one gateway event, assembles its content, and
// publishes it onto the bus.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// The bot's own traffic, and other bots', never become runs.
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	senderName := displayName(m)
	channelID := m.ChannelID
	isDM := m.GuildID == ""
	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	if isDM {
		if !c.passesDMPolicy(senderID, channelID) {
			return
		}
	} else if !c.CheckPolicy("group", "", c.config.GroupPolicy, senderID) {
		slog.Debug("discord group rejected by policy", "sender", senderID)
		return
	}
	if !c.IsAllowed(senderID) {
		slog.Debug("discord inbound rejected by allowlist", "sender", senderID)
		return
	}

	content, mediaPaths := c.assembleContent(m)
	if content == "" {
		content = "[empty message]"
	}

	// Mention gate: un-mentioned guild chatter becomes pending context.
	if !isDM && c.requireMention && !mentionsBot(m, c.botUserID) {
		c.groupHistory.Record(channelID, channels.HistoryEntry{
			Sender:    senderName,
			Body:      content,
			Timestamp: m.Timestamp,
			MessageID: m.ID,
		}, c.historyLimit)
		return
	}

	slog.Debug("discord inbound",
		"sender", senderID, "channel_id", channelID, "is_dm", isDM,
		"preview", channels.Truncate(content, 50))

	c.startIndicators(channelID, m.ID)

	finalContent := content
	if !isDM {
		annotated := fmt.Sprintf("[From: %s]\n%s", senderName, content)
		finalContent = annotated
		if c.historyLimit > 0 {
			finalContent = c.groupHistory.BuildContext(channelID, annotated, c.historyLimit)
		}
	}

	metadata := map[string]string{
		"message_id":      m.ID,
		"user_id":         senderID,
		"username":        m.Author.Username,
		"display_name":    senderName,
		"guild_id":        m.GuildID,
		"channel_id":      channelID,
		"is_dm":           fmt.Sprintf("%t", isDM),
		"placeholder_key": m.ID,
	}

	c.Bus().PublishInbound(bus.InboundMessage{
		Channel:      c.Name(),
		Account:      c.botUsername,
		SenderID:     senderID,
		ChatID:       channelID,
		Content:      finalContent,
		Media:        mediaPaths,
		PeerKind:     peerKind,
		UserID:       senderID,
		AgentID:      c.AgentID(),
		HistoryLimit: c.historyLimit,
		Metadata:     metadata,
	})

	if !isDM {
		c.groupHistory.Clear(channelID)
	}
}

// assembleContent combines message text with its attachments: images are
// downloaded for the vision pipeline, everything else is referenced by
// name so the model at least knows it arrived.
func (c *Channel) assembleContent(m *discordgo.MessageCreate) (string, []string) {
	content := m.Content
	var mediaPaths []string

	for _, att := range m.Attachments {
		if strings.HasPrefix(att.ContentType, "image/") {
			local, err := downloadAttachment(att.URL, att.Filename)
			if err != nil {
				slog.Warn("discord attachment download failed",
					"filename", att.Filename, "error", err)
			} else {
				mediaPaths = append(mediaPaths, local)
				if content != "" {
					content += "\n"
				}
				content += "<media:image>"
				continue
			}
		}
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s (%s)]", att.Filename, att.ContentType)
	}
	return content, mediaPaths
}

// downloadAttachment pulls one attachment into a temp file, size-capped.
// Discord's CDN URLs are bot-scoped, so no auth header is needed.
func downloadAttachment(url, filename string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("attachment fetch returned %d", resp.StatusCode)
	}

	ext := path.Ext(filename)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "halogate_media_*"+ext)
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, attachmentMaxBytes+1))
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if written > attachmentMaxBytes {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("attachment exceeds %d bytes", attachmentMaxBytes)
	}
	return tmp.Name(), nil
}

// startIndicators begins the typing keepalive and posts the "Thinking..."
// stub the reply will edit into.
func (c *Channel) startIndicators(channelID, inboundMessageID string) {
	// Discord's typing signal expires after ~10s; refresh at 9s, hard
	// stop at 60s so a hung run can't type forever.
	typingCtrl := typing.New(typing.Options{
		MaxDuration:       60 * time.Second,
		KeepaliveInterval: 9 * time.Second,
		StartFn: func() error {
			return c.session.ChannelTyping(channelID)
		},
	})
	if prev, ok := c.typingCtrls.Load(channelID); ok {
		prev.(*typing.Controller).Stop()
	}
	c.typingCtrls.Store(channelID, typingCtrl)
	typingCtrl.Start()

	if placeholder, err := c.session.ChannelMessageSend(channelID, "Thinking..."); err == nil {
		c.placeholders.Store(inboundMessageID, placeholder.ID)
	}
}

// passesDMPolicy evaluates the DM policy for a sender, issuing a pairing
// code when the pairing flow applies.
func (c *Channel) passesDMPolicy(senderID, channelID string) bool {
	policy := c.config.DMPolicy
	if policy == "" {
		policy = "pairing" // secure default for DMs from strangers
	}
	switch policy {
	case "disabled":
		slog.Debug("discord DM rejected: disabled", "sender", senderID)
		return false
	case "open":
		return true
	case "allowlist":
		if !c.IsAllowed(senderID) {
			slog.Debug("discord DM rejected by allowlist", "sender", senderID)
			return false
		}
		return true
	default: // "pairing"
		paired := c.pairingService != nil && c.pairingService.IsPaired(senderID, c.Name())
		allowed := c.HasAllowList() && c.IsAllowed(senderID)
		if paired || allowed {
			return true
		}
		c.sendPairingReply(senderID, channelID)
		return false
	}
}

// sendPairingReply issues (or re-surfaces) a pairing code, debounced per
// sender so an impatient user doesn't collect a pile of codes.
func (c *Channel) sendPairingReply(senderID, channelID string) {
	if c.pairingService == nil {
		return
	}
	if lastSent, ok := c.pairingDebounce.Load(senderID); ok {
		if time.Since(lastSent.(time.Time)) < pairingDebounceTime {
			return
		}
	}

	code, err := c.pairingService.RequestPairing(senderID, c.Name(), channelID, "default")
	if err != nil {
		slog.Debug("discord pairing request failed", "sender", senderID, "error", err)
		return
	}

	replyText := fmt.Sprintf(
		"Halogate: access not configured.\n\nYour Discord user ID: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  halogate pairing approve %s",
		senderID, code, code,
	)
	if _, err := c.session.ChannelMessageSend(channelID, replyText); err != nil {
		slog.Warn("failed to send discord pairing reply", "error", err)
		return
	}
	c.pairingDebounce.Store(senderID, time.Now())
	slog.Info("discord pairing reply sent", "sender", senderID, "code", code)
}

// mentionsBot reports whether the bot appears in the message's mention list.
func mentionsBot(m *discordgo.MessageCreate, botUserID string) bool {
	for _, u := range m.Mentions {
		if u.ID == botUserID {
			return true
		}
	}
	return false
}

// displayName picks the best name for a message author: server nickname,
// then global display name, then username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
