package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// GetGateway returns the websocket URL to connect to.
func (c *Client) GetGateway(ctx context.Context) (*Gateway, error) {
	var out Gateway
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "gateway"}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetGatewayBot returns the websocket URL plus the recommended shard count.
func (c *Client) GetGatewayBot(ctx context.Context) (*GatewayBot, error) {
	var out GatewayBot
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "gateway/bot"}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	var out Channel
	if err := c.Do(ctx, Request{Method: http.MethodGet, Path: "channels/" + channelID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetGuild(ctx context.Context, guildID string, withCounts bool) (*Guild, error) {
	req := Request{Method: http.MethodGet, Path: "guilds/" + guildID}
	if withCounts {
		req.Query = url.Values{"with_counts": []string{strconv.FormatBool(withCounts)}}
	}
	resp, err := c.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	var out Guild
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	out.Raw = resp.Body
	return &out, nil
}

// CreateMessage posts a message. A *FileUpload body sends an attachment
// alongside the message payload.
func (c *Client) CreateMessage(ctx context.Context, channelID string, body any) (*Message, error) {
	var out Message
	req := Request{Method: http.MethodPost, Path: "channels/" + channelID + "/messages", Body: body}
	if err := c.Do(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EditMessage(ctx context.Context, channelID, messageID string, edit MessageEdit) (*Message, error) {
	var out Message
	req := Request{Method: http.MethodPatch, Path: "channels/" + channelID + "/messages/" + messageID, Body: edit}
	if err := c.Do(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage deletes a message, recording reason in the audit log.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID, reason string) error {
	req := Request{Method: http.MethodDelete, Path: "channels/" + channelID + "/messages/" + messageID, Reason: reason}
	return c.Do(ctx, req, nil)
}

// CreateReaction reacts with emoji, either a unicode emoji or "name:id".
func (c *Client) CreateReaction(ctx context.Context, channelID, messageID, emoji string) error {
	req := Request{Method: http.MethodPut, Path: reactionPath(channelID, messageID, emoji) + "/@me"}
	return c.Do(ctx, req, nil)
}

func (c *Client) DeleteOwnReaction(ctx context.Context, channelID, messageID, emoji string) error {
	req := Request{Method: http.MethodDelete, Path: reactionPath(channelID, messageID, emoji) + "/@me"}
	return c.Do(ctx, req, nil)
}

// ExecuteWebhook posts through a webhook. With wait set the created message
// is returned; otherwise the result is nil.
func (c *Client) ExecuteWebhook(ctx context.Context, webhookID, token string, body any, wait bool) (*Message, error) {
	req := Request{Method: http.MethodPost, Path: "webhooks/" + webhookID + "/" + token, Body: body}
	if wait {
		req.Query = url.Values{"wait": []string{"true"}}
	}
	resp, err := c.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if !wait {
		return nil, nil
	}
	var out Message
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func reactionPath(channelID, messageID, emoji string) string {
	return "channels/" + channelID + "/messages/" + messageID + "/reactions/" + url.PathEscape(emoji)
}
