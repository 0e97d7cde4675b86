package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"
)

var (
	reLoginUUID     = regexp.MustCompile(`window\.QRLogin\.uuid\s*=\s*"([^"]+)"`)
	reLoginCode     = regexp.MustCompile(`window\.code\s*=\s*(\d+)`)
	reLoginRedirect = regexp.MustCompile(`window\.redirect_uri\s*=\s*"([^"]+)"`)
)

// BeginLogin fetches a fresh login ticket (uuid) if the current one is missing
// or stale. Safe to call repeatedly while a QR code is on screen.
func (c *Client) BeginLogin(ctx context.Context) error {
	c.mu.Lock()
	fresh := c.uuid != "" && time.Since(c.uuidAt) < qrTTL
	c.mu.Unlock()
	if fresh {
		return nil
	}

	redirect := url.QueryEscape(fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxnewloginpage", c.entryHost))
	u := fmt.Sprintf("https://%s/jslogin?appid=%s&redirect_uri=%s&fun=new&lang=%s&_=%d",
		c.loginHost, c.appID, redirect, c.lang, time.Now().UnixMilli())

	body, err := c.getText(ctx, u)
	if err != nil {
		return fmt.Errorf("protocol: jslogin: %w", err)
	}

	m := reLoginUUID.FindStringSubmatch(body)
	if len(m) < 2 {
		return fmt.Errorf("protocol: jslogin: uuid not found in response")
	}

	c.mu.Lock()
	c.uuid = m[1]
	c.uuidAt = time.Now()
	c.mu.Unlock()

	slog.Debug("login ticket acquired", "uuid", m[1])
	return nil
}

// QRCode downloads the PNG for the current login ticket.
func (c *Client) QRCode(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	id := c.uuid
	c.mu.Unlock()
	if id == "" {
		return nil, fmt.Errorf("protocol: no login ticket, call BeginLogin first")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://login.weixin.qq.com/qrcode/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("protocol: fetch qr: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("protocol: fetch qr: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// PollLogin performs one poll of the login endpoint. On confirmation it
// completes the redirect handshake, initializes the session, and persists
// state before returning StatusConfirmed.
func (c *Client) PollLogin(ctx context.Context) (LoginStatus, error) {
	c.mu.Lock()
	id := c.uuid
	c.mu.Unlock()
	if id == "" {
		return StatusExpired, fmt.Errorf("protocol: no login ticket")
	}

	now := time.Now()
	u := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/login?loginicon=true&uuid=%s&tip=1&r=%d&_=%d&appid=%s",
		c.loginHost, url.QueryEscape(id), ^now.Unix(), now.UnixMilli(), c.appID)

	body, err := c.getText(ctx, u)
	if err != nil {
		return StatusExpired, fmt.Errorf("protocol: login poll: %w", err)
	}

	codeStr := reLoginCode.FindStringSubmatch(body)
	if len(codeStr) < 2 {
		return StatusExpired, fmt.Errorf("protocol: login poll: no code in response")
	}
	code, _ := strconv.Atoi(codeStr[1])

	switch code {
	case 200:
		m := reLoginRedirect.FindStringSubmatch(body)
		if len(m) < 2 {
			return StatusExpired, fmt.Errorf("protocol: login confirmed but no redirect uri")
		}
		if err := c.completeLogin(ctx, m[1]); err != nil {
			return StatusExpired, err
		}
		return StatusConfirmed, nil
	case 201:
		return StatusScanned, nil
	case 408:
		return StatusWaiting, nil
	default:
		// 400/500: ticket expired, next BeginLogin fetches a fresh one.
		c.mu.Lock()
		c.uuid = ""
		c.mu.Unlock()
		return StatusExpired, nil
	}
}

// completeLogin exchanges the redirect ticket for the session ticket bundle
// and bootstraps the sync cursor.
func (c *Client) completeLogin(ctx context.Context, redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("protocol: parse redirect uri: %w", err)
	}

	if host := parsed.Host; host != "" {
		c.mu.Lock()
		c.entryHost = host
		c.loginHost, c.fileHost = resolveHosts(host)
		c.mu.Unlock()
	}

	q := parsed.Query()
	u := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxnewloginpage?fun=new&version=v2&ticket=%s&uuid=%s&lang=%s&scan=%s",
		c.entryHost,
		url.QueryEscape(q.Get("ticket")),
		url.QueryEscape(q.Get("uuid")),
		url.QueryEscape(c.lang),
		url.QueryEscape(q.Get("scan")))

	body, err := c.getText(ctx, u)
	if err != nil {
		return fmt.Errorf("protocol: new login page: %w", err)
	}

	auth := tickets{
		SKey:       xmlTag(body, "skey"),
		SID:        xmlTag(body, "wxsid"),
		UIN:        xmlTag(body, "wxuin"),
		PassTicket: xmlTag(body, "pass_ticket"),
	}
	if !auth.valid() {
		return fmt.Errorf("protocol: new login page missing auth fields")
	}

	c.mu.Lock()
	c.auth = auth
	c.mu.Unlock()

	if err := c.initSession(ctx); err != nil {
		return err
	}
	if err := c.SaveState(); err != nil {
		slog.Warn("session state save failed", "error", err)
	}
	slog.Info("login completed", "uin", auth.UIN)
	return nil
}

// initSession calls webwxinit to capture the account identity and the initial
// sync cursor.
func (c *Client) initSession(ctx context.Context) error {
	c.mu.Lock()
	u := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxinit?r=%d&lang=%s&pass_ticket=%s",
		c.entryHost, ^time.Now().UnixMilli(), c.lang, url.QueryEscape(c.auth.PassTicket))
	payload := map[string]any{"BaseRequest": c.baseRequest()}
	c.mu.Unlock()

	var out initResponse
	if err := c.postJSON(ctx, u, payload, &out); err != nil {
		return fmt.Errorf("protocol: init: %w", err)
	}
	if out.BaseResponse.Ret != 0 {
		return fmt.Errorf("protocol: init: ret=%d %s", out.BaseResponse.Ret, out.BaseResponse.ErrMsg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.userName = out.User.UserName
	if out.User.Uin != 0 {
		c.auth.UIN = strconv.FormatInt(out.User.Uin, 10)
	}
	c.cursor = out.SyncKey
	return nil
}

// --- shared HTTP helpers ---

func (c *Client) getText(ctx context.Context, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("mmweb_appid", c.appID)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	return string(b), err
}

func (c *Client) postJSON(ctx context.Context, u string, payload, out any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("mmweb_appid", c.appID)

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
