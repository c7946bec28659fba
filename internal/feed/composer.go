package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ewhamarket/chatclient/internal/api"
	"github.com/ewhamarket/chatclient/internal/metrics"
)

// SetText replaces the composer text.
func (c *Controller) SetText(text string) {
	c.mu.Lock()
	c.text = text
	c.mu.Unlock()
}

// Text returns the composer text.
func (c *Controller) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Attach sets the image sent with the next message.
func (c *Controller) Attach(img api.Image) {
	c.mu.Lock()
	c.image = &img
	c.mu.Unlock()
	c.display.SetAttachment(img.Filename)
}

// Detach drops the pending image.
func (c *Controller) Detach() {
	c.mu.Lock()
	had := c.image != nil
	c.image = nil
	c.mu.Unlock()
	if had {
		c.display.SetAttachment("")
	}
}

// Attachment returns the pending image, if any.
func (c *Controller) Attachment() (api.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.image == nil {
		return api.Image{}, false
	}
	return *c.image, true
}

// Reset clears the composer text and the pending image.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.text = ""
	c.image = nil
	c.mu.Unlock()
	c.display.SetComposerText("")
	c.display.SetAttachment("")
}

// Send posts the composer contents. Nothing is sent when there is neither
// text nor an image. The composer is cleared before the request, so
// overlapping sends each carry their own message. On failure the text is
// restored, the user is alerted and the image is attached again.
func (c *Controller) Send(ctx context.Context) error {
	c.mu.Lock()
	text := c.text
	img := c.image
	if strings.TrimSpace(text) == "" && img == nil {
		c.mu.Unlock()
		return nil
	}
	if err := ValidateText(text); err != nil {
		c.mu.Unlock()
		c.display.Alert("Message not sent: " + err.Error())
		return err
	}
	c.text = ""
	c.image = nil
	c.mu.Unlock()
	c.display.SetComposerText("")

	kind := "text"
	var err error
	if img != nil {
		kind = "image"
		err = c.sender.SendMessageWithImage(ctx, c.id.ItemID, text, c.id.ReceiverID, *img)
	} else {
		err = c.sender.SendMessage(ctx, c.id.ItemID, text, c.id.ReceiverID)
	}
	metrics.MessagesSent.WithLabelValues(kind, metrics.Result(err)).Inc()

	if err != nil {
		log.Error().Err(err).Str("item", c.id.ItemID).Str("kind", kind).Msg("[feed] send failed")
		c.mu.Lock()
		if c.text == "" {
			c.text = text
		}
		restored := c.text
		if c.image == nil {
			c.image = img
		}
		c.mu.Unlock()
		c.display.SetComposerText(restored)
		c.display.Alert("Message not sent: " + alertText(err))
		return fmt.Errorf("feed: send: %w", err)
	}

	c.mu.Lock()
	pending := c.image != nil
	c.mu.Unlock()
	if img != nil && !pending {
		c.display.SetAttachment("")
	}
	return nil
}

func alertText(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
