package protocol

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// maxUploadBytes mirrors the endpoint's hard limit for a single upload.
const maxUploadBytes = 25 << 20

var (
	// ErrNotLoggedIn is returned by operations that need a live session.
	ErrNotLoggedIn = errors.New("protocol: not logged in")
	// ErrFileTooLarge is returned when an upload exceeds the endpoint limit.
	ErrFileTooLarge = errors.New("protocol: file exceeds upload limit")
)

// SendText posts a text message into the self-chat. The returned id is the
// endpoint-assigned message id.
func (c *Client) SendText(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.auth.valid() {
		return "", ErrNotLoggedIn
	}

	clientID := generateClientMsgID()
	payload := map[string]any{
		"BaseRequest": c.baseRequest(),
		"Msg": map[string]any{
			"Type":         msgTypeText,
			"Content":      text,
			"FromUserName": c.userName,
			"ToUserName":   c.toUser,
			"LocalID":      clientID,
			"ClientMsgId":  clientID,
		},
		"Scene": 0,
	}

	u := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxsendmsg?pass_ticket=%s",
		c.entryHost, url.QueryEscape(c.auth.PassTicket))

	var out sendResponse
	if err := c.postJSON(ctx, u, payload, &out); err != nil {
		return "", fmt.Errorf("protocol: send text: %w", err)
	}
	if out.BaseResponse.Ret != 0 {
		return "", fmt.Errorf("protocol: send text: ret %d %s", out.BaseResponse.Ret, out.BaseResponse.ErrMsg)
	}
	if out.MsgID != "" {
		c.markSent(out.MsgID)
	}
	return out.MsgID, nil
}

// SendFile uploads the given bytes and delivers them into the self-chat.
// Images go out as picture messages, everything else as a file attachment.
func (c *Client) SendFile(ctx context.Context, name string, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.auth.valid() {
		return "", ErrNotLoggedIn
	}
	if len(data) > maxUploadBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(data))
	}

	mediaID, err := c.uploadMedia(ctx, name, data)
	if err != nil {
		return "", err
	}

	if isImageName(name) {
		return c.sendImage(ctx, mediaID)
	}
	return c.sendAttachment(ctx, name, int64(len(data)), mediaID)
}

// uploadMedia pushes the payload to the file host and returns the media id.
// Caller holds the client mutex.
func (c *Client) uploadMedia(ctx context.Context, name string, data []byte) (string, error) {
	sum := md5.Sum(data)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	mediaType := "doc"
	if isImageName(name) {
		mediaType = "pic"
	}

	reqBlob, err := json.Marshal(map[string]any{
		"UploadType":    2,
		"BaseRequest":   c.baseRequest(),
		"ClientMediaId": generateClientMsgID(),
		"TotalLen":      len(data),
		"StartPos":      0,
		"DataLen":       len(data),
		"MediaType":     4,
		"FromUserName":  c.userName,
		"ToUserName":    c.toUser,
		"FileMd5":       hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("id", "WU_FILE_0")
	_ = w.WriteField("name", name)
	_ = w.WriteField("type", contentType)
	_ = w.WriteField("lastModifiedDate", time.Now().UTC().Format(time.RFC1123))
	_ = w.WriteField("size", strconv.Itoa(len(data)))
	_ = w.WriteField("mediatype", mediaType)
	_ = w.WriteField("uploadmediarequest", string(reqBlob))
	_ = w.WriteField("webwx_data_ticket", c.cookieValue("webwx_data_ticket"))
	_ = w.WriteField("pass_ticket", c.auth.PassTicket)
	part, err := w.CreateFormFile("filename", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	u := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxuploadmedia?f=json", c.fileHost)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("mmweb_appid", c.appID)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("protocol: upload media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("protocol: upload media: status %d", resp.StatusCode)
	}
	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("protocol: upload media: %w", err)
	}
	if out.BaseResponse.Ret != 0 || out.MediaID == "" {
		return "", fmt.Errorf("protocol: upload media: ret %d %s", out.BaseResponse.Ret, out.BaseResponse.ErrMsg)
	}
	return out.MediaID, nil
}

func (c *Client) sendImage(ctx context.Context, mediaID string) (string, error) {
	clientID := generateClientMsgID()
	payload := map[string]any{
		"BaseRequest": c.baseRequest(),
		"Msg": map[string]any{
			"Type":         msgTypeImage,
			"MediaId":      mediaID,
			"Content":      "",
			"FromUserName": c.userName,
			"ToUserName":   c.toUser,
			"LocalID":      clientID,
			"ClientMsgId":  clientID,
		},
		"Scene": 0,
	}

	u := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxsendmsgimg?fun=async&f=json&pass_ticket=%s",
		c.entryHost, url.QueryEscape(c.auth.PassTicket))

	var out sendResponse
	if err := c.postJSON(ctx, u, payload, &out); err != nil {
		return "", fmt.Errorf("protocol: send image: %w", err)
	}
	if out.BaseResponse.Ret != 0 {
		return "", fmt.Errorf("protocol: send image: ret %d %s", out.BaseResponse.Ret, out.BaseResponse.ErrMsg)
	}
	if out.MsgID != "" {
		c.markSent(out.MsgID)
	}
	return out.MsgID, nil
}

func (c *Client) sendAttachment(ctx context.Context, name string, size int64, mediaID string) (string, error) {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	content := fmt.Sprintf(
		`<appmsg appid="%s" sdkver=""><title>%s</title><des></des><action></action><type>6</type><content></content><url></url><lowurl></lowurl><appattach><totallen>%d</totallen><attachid>%s</attachid><fileext>%s</fileext></appattach><extinfo></extinfo></appmsg>`,
		defaultAppID, html.EscapeString(name), size, mediaID, ext)

	clientID := generateClientMsgID()
	payload := map[string]any{
		"BaseRequest": c.baseRequest(),
		"Msg": map[string]any{
			"Type":         msgTypeApp,
			"Content":      content,
			"FromUserName": c.userName,
			"ToUserName":   c.toUser,
			"LocalID":      clientID,
			"ClientMsgId":  clientID,
		},
		"Scene": 0,
	}

	u := fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxsendappmsg?fun=async&f=json&pass_ticket=%s",
		c.entryHost, url.QueryEscape(c.auth.PassTicket))

	var out sendResponse
	if err := c.postJSON(ctx, u, payload, &out); err != nil {
		return "", fmt.Errorf("protocol: send attachment: %w", err)
	}
	if out.BaseResponse.Ret != 0 {
		return "", fmt.Errorf("protocol: send attachment: ret %d %s", out.BaseResponse.Ret, out.BaseResponse.ErrMsg)
	}
	if out.MsgID != "" {
		c.markSent(out.MsgID)
	}
	return out.MsgID, nil
}

// DownloadMedia fetches the binary content of a previously synced image or
// file message by its remote id.
func (c *Client) DownloadMedia(ctx context.Context, remoteID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.auth.valid() {
		return nil, ErrNotLoggedIn
	}
	raw, ok := c.rawByID[remoteID]
	if !ok {
		return nil, fmt.Errorf("protocol: no media metadata for message %s", remoteID)
	}

	var u string
	switch {
	case raw.MsgType == msgTypeImage:
		u = fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxgetmsgimg?MsgID=%s&skey=%s&mmweb_appid=%s",
			c.entryHost, url.QueryEscape(remoteID), url.QueryEscape(c.auth.SKey), c.appID)
	case raw.MsgType == msgTypeApp && raw.AppMsgType == appMsgTypeDoc:
		q := url.Values{}
		q.Set("sender", raw.FromUserName)
		q.Set("mediaid", raw.MediaID)
		q.Set("encryfilename", raw.EncryFileKey)
		q.Set("filename", raw.FileName)
		q.Set("fromuser", c.auth.UIN)
		q.Set("pass_ticket", c.auth.PassTicket)
		q.Set("webwx_data_ticket", c.cookieValue("webwx_data_ticket"))
		u = fmt.Sprintf("https://%s/cgi-bin/mmwebwx-bin/webwxgetmedia?%s", c.fileHost, q.Encode())
	default:
		return nil, fmt.Errorf("protocol: message %s has no downloadable media", remoteID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("mmweb_appid", c.appID)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("protocol: download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("protocol: download media: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// cookieValue looks up a cookie set by the entry host. Empty when absent.
func (c *Client) cookieValue(name string) string {
	u := &url.URL{Scheme: "https", Host: c.entryHost, Path: "/"}
	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func isImageName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp":
		return true
	}
	return false
}
