package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// savedState is the on-disk snapshot that lets a restarted process resume an
// authenticated session without rescanning the QR code.
type savedState struct {
	SavedAt   time.Time     `json:"saved_at"`
	EntryHost string        `json:"entry_host"`
	DeviceID  string        `json:"device_id"`
	UserName  string        `json:"user_name"`
	Auth      tickets       `json:"auth"`
	Cursor    syncKey       `json:"sync_key"`
	Cookies   []savedCookie `json:"cookies"`
}

type savedCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// SaveState writes the current session snapshot to the configured state path.
// The file carries credentials, so it is written 0600.
func (c *Client) SaveState() error {
	c.mu.Lock()
	st := savedState{
		SavedAt:   time.Now().UTC(),
		EntryHost: c.entryHost,
		DeviceID:  c.deviceID,
		UserName:  c.userName,
		Auth:      c.auth,
		Cursor:    c.cursor,
	}
	for _, host := range []string{c.entryHost, c.loginHost, c.fileHost} {
		u := &url.URL{Scheme: "https", Host: host, Path: "/"}
		for _, ck := range c.jar.Cookies(u) {
			st.Cookies = append(st.Cookies, savedCookie{
				Name:   ck.Name,
				Value:  ck.Value,
				Domain: host,
				Path:   "/",
			})
		}
	}
	path := c.statePath
	c.mu.Unlock()

	if path == "" {
		return nil
	}

	blob, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("protocol: marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("protocol: state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("protocol: write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("protocol: write state: %w", err)
	}
	return nil
}

// LoadState restores a saved session snapshot. A missing file is not an
// error; the caller falls through to a fresh QR login.
func (c *Client) LoadState() (bool, error) {
	c.mu.Lock()
	path := c.statePath
	c.mu.Unlock()
	if path == "" {
		return false, nil
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("protocol: read state: %w", err)
	}

	var st savedState
	if err := json.Unmarshal(blob, &st); err != nil {
		return false, fmt.Errorf("protocol: parse state: %w", err)
	}
	if !st.Auth.valid() {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st.EntryHost != "" {
		c.entryHost = st.EntryHost
		c.loginHost, c.fileHost = resolveHosts(st.EntryHost)
	}
	if st.DeviceID != "" {
		c.deviceID = st.DeviceID
	}
	c.userName = st.UserName
	c.auth = st.Auth
	c.cursor = st.Cursor

	byHost := make(map[string][]*http.Cookie)
	for _, ck := range st.Cookies {
		byHost[ck.Domain] = append(byHost[ck.Domain], &http.Cookie{
			Name:  ck.Name,
			Value: ck.Value,
			Path:  ck.Path,
		})
	}
	for host, cookies := range byHost {
		u := &url.URL{Scheme: "https", Host: host, Path: "/"}
		c.jar.SetCookies(u, cookies)
	}
	return true, nil
}

// ClearState wipes the on-disk snapshot. Used on logout.
func (c *Client) ClearState() error {
	c.mu.Lock()
	path := c.statePath
	c.mu.Unlock()
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("protocol: clear state: %w", err)
	}
	return nil
}
