package channel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"convoagent/internal/domain"
)

const (
	embedColor      = 0x5865F2
	errorEmbedColor = 0xED4245
)

// DiscordOption configures the Discord channel.
type DiscordOption func(*DiscordChannel)

// WithDiscordGuild limits the bot to a specific guild.
func WithDiscordGuild(guildID string) DiscordOption {
	return func(d *DiscordChannel) { d.guildID = guildID }
}

// WithDiscordChannels limits the bot to specific channel IDs.
func WithDiscordChannels(ids []string) DiscordOption {
	return func(d *DiscordChannel) {
		d.channelIDs = make(map[string]bool, len(ids))
		for _, id := range ids {
			d.channelIDs[id] = true
		}
	}
}

// WithDiscordMentionOnly enables mention-only filtering in guilds.
func WithDiscordMentionOnly(v bool) DiscordOption {
	return func(d *DiscordChannel) { d.mentionOnly = v }
}

// WithDiscordDedupWindow sets how long delivered message IDs are remembered.
func WithDiscordDedupWindow(w time.Duration) DiscordOption {
	return func(d *DiscordChannel) {
		if w > 0 {
			d.dedup.window = w
		}
	}
}

// WithDiscordSendInterval sets the minimum spacing between outbound messages.
func WithDiscordSendInterval(every time.Duration) DiscordOption {
	return func(d *DiscordChannel) {
		if every > 0 {
			d.limiter = rate.NewLimiter(rate.Every(every), 1)
		}
	}
}

// discordSender is the subset of *discordgo.Session used for replies.
type discordSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// DiscordChannel implements domain.Channel for Discord via discordgo.
type DiscordChannel struct {
	token       string
	logger      *slog.Logger
	guildID     string
	channelIDs  map[string]bool
	mentionOnly bool
	limiter     *rate.Limiter
	dedup       *seenCache

	session   *discordgo.Session
	sender    discordSender
	handler   domain.TurnHandlerFunc
	botUserID string
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewDiscordChannel creates a Discord bot channel.
func NewDiscordChannel(token string, logger *slog.Logger, opts ...DiscordOption) *DiscordChannel {
	d := &DiscordChannel{
		token:   token,
		logger:  logger,
		dedup:   newSeenCache(10 * time.Minute),
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Start(ctx context.Context, handler domain.TurnHandlerFunc) error {
	d.handler = handler
	d.ctx, d.cancel = context.WithCancel(ctx)

	dg, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	d.session = dg
	d.sender = dg
	d.session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	d.session.AddHandler(d.onMessageCreate)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}

	d.botUserID = d.session.State.User.ID
	d.logger.Info("discord channel started", "user_id", d.botUserID)
	return nil
}

func (d *DiscordChannel) Stop(_ context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

func (d *DiscordChannel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	d.handleMessage(d.ctx, m.Message)
}

// handleMessage filters, deduplicates and answers one Discord message.
func (d *DiscordChannel) handleMessage(ctx context.Context, m *discordgo.Message) {
	turn, ok := d.toTurn(m)
	if !ok {
		return
	}
	if !d.dedup.firstSeen(m.ID) {
		d.logger.Debug("discord duplicate delivery ignored", "message_id", m.ID)
		return
	}

	if err := d.sender.ChannelTyping(m.ChannelID); err != nil {
		d.logger.Debug("discord typing failed", "error", err)
	}

	resp, err := d.handler(ctx, turn)
	if err != nil {
		d.logger.Error("discord handler error", "error", err, "channel", m.ChannelID)
		return
	}
	if err := d.reply(ctx, m, resp); err != nil {
		d.logger.Error("discord reply failed", "error", err, "channel", m.ChannelID)
	}
}

// toTurn applies the guild, channel and mention filters and builds the inbound turn.
func (d *DiscordChannel) toTurn(m *discordgo.Message) (domain.InboundTurn, bool) {
	if m.Author == nil || m.Author.ID == d.botUserID || m.Author.Bot {
		return domain.InboundTurn{}, false
	}
	if d.guildID != "" && m.GuildID != d.guildID {
		return domain.InboundTurn{}, false
	}
	if len(d.channelIDs) > 0 && !d.channelIDs[m.ChannelID] {
		return domain.InboundTurn{}, false
	}

	isMention := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == d.botUserID {
			isMention = true
			break
		}
	}
	if d.mentionOnly && m.GuildID != "" && !isMention {
		return domain.InboundTurn{}, false
	}

	content := m.Content
	if isMention {
		content = strings.ReplaceAll(content, "<@"+d.botUserID+">", "")
		content = strings.ReplaceAll(content, "<@!"+d.botUserID+">", "")
	}
	content = strings.TrimSpace(content)

	turn := domain.InboundTurn{
		MessageID:      m.ID,
		ParticipantID:  m.Author.ID,
		ConversationID: m.ChannelID,
		Text:           content,
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		turn.Attachments = append(turn.Attachments, domain.Attachment{
			Name:     a.Filename,
			MIMEType: a.ContentType,
			URL:      a.URL,
		})
	}
	if turn.Text == "" && len(turn.Attachments) == 0 {
		return domain.InboundTurn{}, false
	}
	return turn, true
}

// reply sends one embed per segment. Files ride on the last message.
func (d *DiscordChannel) reply(ctx context.Context, m *discordgo.Message, resp *domain.FormattedResponse) error {
	if resp == nil || len(resp.Segments) == 0 {
		return nil
	}
	msgs := buildDiscordMessages(resp)
	msgs[0].Reference = m.Reference()
	for _, msg := range msgs {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := d.sender.ChannelMessageSendComplex(m.ChannelID, msg); err != nil {
			return fmt.Errorf("send segment: %w", err)
		}
	}
	return nil
}

func buildDiscordMessages(resp *domain.FormattedResponse) []*discordgo.MessageSend {
	color := embedColor
	if resp.IsError {
		color = errorEmbedColor
	}

	msgs := make([]*discordgo.MessageSend, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		embed := &discordgo.MessageEmbed{
			Title:       seg.Title,
			Description: seg.Text,
			Color:       color,
		}
		if seg.Footer != "" {
			embed.Footer = &discordgo.MessageEmbedFooter{Text: seg.Footer}
		}
		if seg.Metadata != "" {
			embed.Fields = []*discordgo.MessageEmbedField{{Name: "Info", Value: seg.Metadata}}
		}
		msgs = append(msgs, &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}})
	}

	last := msgs[len(msgs)-1]
	var links []string
	for _, a := range resp.Attachments {
		if len(a.Data) == 0 {
			if a.URL != "" {
				links = append(links, a.URL)
			}
			continue
		}
		last.Files = append(last.Files, &discordgo.File{
			Name:        a.Name,
			ContentType: a.MIMEType,
			Reader:      bytes.NewReader(a.Data),
		})
		if a.IsImage() && len(last.Files) == 1 {
			last.Embeds[0].Image = &discordgo.MessageEmbedImage{URL: "attachment://" + a.Name}
		}
	}
	last.Content = strings.Join(links, "\n")
	return msgs
}

// seenCache remembers message IDs for a bounded window.
type seenCache struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func newSeenCache(window time.Duration) *seenCache {
	return &seenCache{window: window, now: time.Now, seen: make(map[string]time.Time)}
}

// firstSeen records id and reports whether it was new within the window.
func (c *seenCache) firstSeen(id string) bool {
	if id == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, at := range c.seen {
		if now.Sub(at) > c.window {
			delete(c.seen, k)
		}
	}
	if _, ok := c.seen[id]; ok {
		return false
	}
	c.seen[id] = now
	return true
}
