package notify

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// webhookSession abstracts the discordgo.Session method we use, enabling test mocks.
type webhookSession interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts alerts through a channel webhook.
type Discord struct {
	id    string
	token string
	sess  webhookSession
}

// NewDiscord parses a webhook URL of the form
// https://discord.com/api/webhooks/<id>/<token>.
func NewDiscord(webhookURL string) (*Discord, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	// Webhook execution needs no bot token.
	sess, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	return &Discord{id: id, token: token, sess: sess}, nil
}

func parseWebhookURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("notify: discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 3 || parts[len(parts)-3] != "webhooks" {
		return "", "", fmt.Errorf("notify: discord webhook url %q: want .../webhooks/<id>/<token>", raw)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

func (d *Discord) Notify(ctx context.Context, alert Alert) error {
	_, err := d.sess.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{alertToEmbed(alert)},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("notify: discord: %w", err)
	}
	return nil
}

func alertToEmbed(alert Alert) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       alert.Title,
		Description: alert.Body,
		Color:       parseHexColor(alert.Color()),
	}
	for _, f := range alert.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	n, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(n)
}
