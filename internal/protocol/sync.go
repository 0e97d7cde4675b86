package protocol

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"time"
)

var (
	reRetcode  = regexp.MustCompile(`retcode\s*:\s*"?(\d+)"?`)
	reSelector = regexp.MustCompile(`selector\s*:\s*"?(\d+)"?`)
)

// SyncCheck probes the long-poll endpoint. The request is held open by the
// remote until something changes or its own timeout elapses.
func (c *Client) SyncCheck(ctx context.Context) (SyncStatus, error) {
	c.mu.Lock()
	if !c.auth.valid() {
		c.mu.Unlock()
		return SyncInvalid, fmt.Errorf("protocol: synccheck without credentials")
	}
	u := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/synccheck?r=%d&skey=%s&sid=%s&uin=%s&deviceid=%s&synckey=%s&mmweb_appid=%s",
		c.entryHost,
		time.Now().UnixMilli(),
		url.QueryEscape(c.auth.SKey),
		url.QueryEscape(c.auth.SID),
		url.QueryEscape(c.auth.UIN),
		c.deviceID,
		url.QueryEscape(c.cursor.checkString()),
		c.appID)
	c.mu.Unlock()

	body, err := c.getText(ctx, u)
	if err != nil {
		return SyncRetry, fmt.Errorf("protocol: synccheck: %w", err)
	}

	ret := reRetcode.FindStringSubmatch(body)
	if len(ret) < 2 {
		return SyncRetry, fmt.Errorf("protocol: synccheck: unparseable response")
	}
	if ret[1] != "0" {
		return SyncInvalid, nil
	}
	if sel := reSelector.FindStringSubmatch(body); len(sel) >= 2 && sel[1] != "0" {
		return SyncHasMessages, nil
	}
	return SyncIdle, nil
}

// Sync fetches pending messages and advances the sync cursor. Returned
// messages are normalized, deduplicated, and restricted to the self-chat.
func (c *Client) Sync(ctx context.Context) ([]Message, error) {
	c.mu.Lock()
	if !c.auth.valid() {
		c.mu.Unlock()
		return nil, fmt.Errorf("protocol: sync without credentials")
	}
	u := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxsync?sid=%s&skey=%s&pass_ticket=%s",
		c.entryHost,
		url.QueryEscape(c.auth.SID),
		url.QueryEscape(c.auth.SKey),
		url.QueryEscape(c.auth.PassTicket))
	payload := map[string]any{
		"BaseRequest": c.baseRequest(),
		"SyncKey":     c.cursor,
		"rr":          ^time.Now().UnixMilli(),
	}
	c.mu.Unlock()

	var out syncResponse
	if err := c.postJSON(ctx, u, payload, &out); err != nil {
		return nil, fmt.Errorf("protocol: sync: %w", err)
	}
	if out.BaseResponse.Ret != 0 {
		return nil, fmt.Errorf("protocol: sync: ret=%d %s", out.BaseResponse.Ret, out.BaseResponse.ErrMsg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if out.SyncKey != nil && len(out.SyncKey.List) > 0 {
		c.cursor = *out.SyncKey
	}
	return c.normalize(out.AddMsgList), nil
}

// normalize filters raw sync entries down to self-chat messages this process
// has not seen. Caller holds the client mutex.
func (c *Client) normalize(raw []rawMessage) []Message {
	var out []Message
	for _, item := range raw {
		if item.MsgID == "" {
			continue
		}
		if _, dup := c.seen[item.MsgID]; dup {
			continue
		}
		if _, echo := c.sent[item.MsgID]; echo {
			continue
		}
		// Only traffic on the self-chat thread is relevant.
		if item.FromUserName != c.toUser && item.ToUserName != c.toUser {
			continue
		}

		c.markSeen(item.MsgID)
		c.keepRaw(item)
		isSelf := item.FromUserName != c.toUser

		switch {
		case item.MsgType == msgTypeText:
			out = append(out, Message{
				RemoteID: item.MsgID,
				Kind:     KindText,
				Text:     html.UnescapeString(item.Content),
				IsSelf:   isSelf,
			})
		case item.MsgType == msgTypeImage:
			name := item.FileName
			if name == "" {
				name = "img_" + item.MsgID + ".jpg"
			}
			out = append(out, Message{
				RemoteID: item.MsgID,
				Kind:     KindImage,
				Text:     "[Image]",
				FileName: name,
				IsSelf:   isSelf,
			})
		case item.MsgType == msgTypeApp && item.AppMsgType == appMsgTypeDoc:
			name := item.FileName
			if name == "" {
				name = "file_" + item.MsgID
			}
			out = append(out, Message{
				RemoteID: item.MsgID,
				Kind:     KindFile,
				Text:     fmt.Sprintf("[File: %s]", name),
				FileName: name,
				IsSelf:   isSelf,
			})
		}
	}
	return out
}
