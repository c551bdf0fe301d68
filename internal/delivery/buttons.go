package delivery

import (
	"strconv"
	"strings"

	"promobot/internal/models"
	"promobot/internal/transport"
)

const appIDPlaceholder = "{app_id}"

// BuildButtons returns the default buttons for the post's app id (when enabled)
// followed by the post's own buttons in author order
func BuildButtons(post models.Post, templates []models.ButtonTemplate) []models.Button {
	var buttons []models.Button
	if post.UseDefaultButtons && post.AppID != nil {
		appID := strconv.FormatInt(*post.AppID, 10)
		for _, t := range templates {
			buttons = append(buttons, models.Button{
				Label: t.Label,
				URL:   strings.ReplaceAll(t.URLTemplate, appIDPlaceholder, appID),
			})
		}
	}
	return append(buttons, post.Buttons...)
}

// Render builds the outbound message once for all channels
func Render(post models.Post, templates []models.ButtonTemplate) transport.Message {
	return transport.Message{
		Text:         post.Text,
		ImageFileID:  post.ImageFileID,
		CaptionAbove: post.CaptionAbove,
		Buttons:      BuildButtons(post, templates),
	}
}
