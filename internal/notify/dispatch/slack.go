package dispatch

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/netmapper/fabric/internal/domain/model"
)

// slackClient is the slice of the Slack API the adapters use.
type slackClient interface {
	OpenConversationContext(ctx context.Context, params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetUserByEmailContext(ctx context.Context, email string) (*slack.User, error)
}

var priorityColors = map[model.Priority]string{
	model.PriorityLow:      "#36a64f",
	model.PriorityMedium:   "#daa038",
	model.PriorityHigh:     "#e8912d",
	model.PriorityCritical: "#d00000",
}

func eventAttachment(ev *model.NotificationEvent) slack.Attachment {
	att := slack.Attachment{
		Color: priorityColors[ev.Priority],
		Title: ev.Title,
		Text:  ev.Message,
	}
	if ev.DeviceIP != "" {
		att.Fields = append(att.Fields, slack.AttachmentField{
			Title: "Device", Value: fmt.Sprintf("%s (%s)", ev.DeviceName, ev.DeviceIP), Short: true,
		})
	}
	att.Fields = append(att.Fields, slack.AttachmentField{
		Title: "Priority", Value: string(ev.Priority), Short: true,
	})
	return att
}

// SlackDMAdapter delivers as a direct message; the recipient is resolved
// from their stored chat user id, falling back to email lookup. The bot
// token is read per send so a rotated token takes effect without a restart.
type SlackDMAdapter struct {
	api   slackClient
	token func() string
}

var _ Adapter = (*SlackDMAdapter)(nil)

func NewSlackDMAdapter(token func() string) *SlackDMAdapter {
	return &SlackDMAdapter{token: token}
}

func (a *SlackDMAdapter) client() slackClient {
	if a.api != nil {
		return a.api
	}
	if a.token == nil {
		return nil
	}
	if tok := a.token(); tok != "" {
		return slack.New(tok)
	}
	return nil
}

func (a *SlackDMAdapter) Channel() model.Channel { return model.ChannelChatDM }

func (a *SlackDMAdapter) Send(ctx context.Context, to Recipient, ev *model.NotificationEvent) error {
	api := a.client()
	if api == nil {
		return fmt.Errorf("chat integration not configured")
	}

	chatID := to.ChatUserID
	if chatID == "" {
		if to.Email == "" {
			return fmt.Errorf("recipient has no chat id or email")
		}
		u, err := api.GetUserByEmailContext(ctx, to.Email)
		if err != nil {
			return fmt.Errorf("resolve chat user: %w", err)
		}
		chatID = u.ID
	}

	ch, _, _, err := api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users: []string{chatID},
	})
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	_, _, err = api.PostMessageContext(ctx, ch.ID,
		slack.MsgOptionText(ev.Title, false),
		slack.MsgOptionAttachments(eventAttachment(ev)))
	return err
}

// SlackChannelAdapter posts into one shared channel for the whole install.
// Token and channel id are read per send, like the DM adapter.
type SlackChannelAdapter struct {
	api       slackClient
	token     func() string
	channelID func() string
}

var _ Adapter = (*SlackChannelAdapter)(nil)

func NewSlackChannelAdapter(token, channelID func() string) *SlackChannelAdapter {
	return &SlackChannelAdapter{token: token, channelID: channelID}
}

func (a *SlackChannelAdapter) client() slackClient {
	if a.api != nil {
		return a.api
	}
	if a.token == nil {
		return nil
	}
	if tok := a.token(); tok != "" {
		return slack.New(tok)
	}
	return nil
}

func (a *SlackChannelAdapter) Channel() model.Channel { return model.ChannelChatChannel }

func (a *SlackChannelAdapter) Send(ctx context.Context, _ Recipient, ev *model.NotificationEvent) error {
	api := a.client()
	channel := ""
	if a.channelID != nil {
		channel = a.channelID()
	}
	if api == nil || channel == "" {
		return fmt.Errorf("chat channel not configured")
	}
	_, _, err := api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(ev.Title, false),
		slack.MsgOptionAttachments(eventAttachment(ev)))
	return err
}
