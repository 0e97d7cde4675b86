package protocol

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	defaultAppID  = "wx_webfilehelper"
	defaultLang   = "zh_CN"
	defaultToUser = "filehelper"

	// qrTTL is how long a login ticket stays usable before a fresh one is fetched.
	qrTTL = 4 * time.Minute

	maxSeenIDs = 5000
	maxSentIDs = 200
)

// Client speaks the webwx filehelper protocol against a configured entry host.
// All exported methods are safe for concurrent use; session mutation is
// serialized on the client mutex.
type Client struct {
	mu sync.Mutex

	entryHost string
	loginHost string
	fileHost  string

	appID  string
	lang   string
	toUser string

	deviceID string
	uuid     string
	uuidAt   time.Time

	auth     tickets
	userName string
	cursor   syncKey

	statePath string
	jar       *cookiejar.Jar
	hc        *http.Client
	tracer    *Tracer

	seen     map[string]struct{}
	seenList []string
	sent     map[string]struct{}
	sentList []string

	// Raw payloads kept around for media download, keyed by remote id.
	rawByID map[string]rawMessage
	rawList []string
}

// Options configures a Client.
type Options struct {
	EntryHost string
	StatePath string
	Tracer    *Tracer // nil disables tracing
}

// NewClient creates a client for the given entry host. Saved state, if any,
// is loaded lazily via LoadState.
func NewClient(opts Options) *Client {
	jar, _ := cookiejar.New(nil)

	var rt http.RoundTripper = http.DefaultTransport
	if opts.Tracer != nil {
		rt = opts.Tracer.Transport(rt)
	}

	c := &Client{
		entryHost: opts.EntryHost,
		appID:     defaultAppID,
		lang:      defaultLang,
		toUser:    defaultToUser,
		deviceID:  generateDeviceID(),
		statePath: opts.StatePath,
		jar:       jar,
		tracer:    opts.Tracer,
		hc: &http.Client{
			Jar:     jar,
			Timeout: 40 * time.Second,
		},
		seen:    make(map[string]struct{}),
		sent:    make(map[string]struct{}),
		rawByID: make(map[string]rawMessage),
	}
	c.loginHost, c.fileHost = resolveHosts(opts.EntryHost)
	return c
}

// resolveHosts maps the entry host to its login and file-transfer hosts.
func resolveHosts(entry string) (login, file string) {
	switch {
	case strings.Contains(entry, "cmfilehelper.weixin"):
		return "login.wx8.qq.com", "file.wx8.qq.com"
	case strings.Contains(entry, "szfilehelper.weixin.qq.com"):
		return "login.wx2.qq.com", "file.wx2.qq.com"
	default:
		return "login.wx.qq.com", "file.wx.qq.com"
	}
}

// HasAuth reports whether a full ticket bundle is present.
func (c *Client) HasAuth() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth.valid()
}

// UserName returns the remote account identity, if logged in.
func (c *Client) UserName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userName
}

// UIN returns the numeric account id string, if logged in.
func (c *Client) UIN() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth.UIN
}

// Reset clears credentials and the sync cursor. Used on logout and when the
// remote invalidates the session.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = tickets{}
	c.cursor = syncKey{}
	c.uuid = ""
}

// markSeen records a remote message id, evicting oldest entries past the cap.
func (c *Client) markSeen(id string) {
	if _, ok := c.seen[id]; ok {
		return
	}
	c.seen[id] = struct{}{}
	c.seenList = append(c.seenList, id)
	if len(c.seenList) > maxSeenIDs {
		drop := c.seenList[0]
		c.seenList = c.seenList[1:]
		delete(c.seen, drop)
	}
}

// markSent records a locally sent message id so the next sync skips the echo.
func (c *Client) markSent(id string) {
	if id == "" {
		return
	}
	if _, ok := c.sent[id]; ok {
		return
	}
	c.sent[id] = struct{}{}
	c.sentList = append(c.sentList, id)
	if len(c.sentList) > maxSentIDs {
		drop := c.sentList[0]
		c.sentList = c.sentList[1:]
		delete(c.sent, drop)
	}
}

const maxRawIDs = 500

// keepRaw retains the raw payload for later media download.
func (c *Client) keepRaw(m rawMessage) {
	if _, ok := c.rawByID[m.MsgID]; ok {
		return
	}
	c.rawByID[m.MsgID] = m
	c.rawList = append(c.rawList, m.MsgID)
	if len(c.rawList) > maxRawIDs {
		drop := c.rawList[0]
		c.rawList = c.rawList[1:]
		delete(c.rawByID, drop)
	}
}

func (c *Client) baseRequest() baseRequest {
	return baseRequest{
		Uin:      c.auth.UIN,
		Sid:      c.auth.SID,
		Skey:     c.auth.SKey,
		DeviceID: c.deviceID,
	}
}

func generateDeviceID() string {
	var b strings.Builder
	b.WriteByte('e')
	for range 15 {
		b.WriteByte(byte('0' + rand.Intn(10)))
	}
	return b.String()
}

func generateClientMsgID() string {
	return fmt.Sprintf("%d%03d", time.Now().UnixMilli(), rand.Intn(900)+100)
}

func regexGroup(text, pattern string) string {
	m := regexp.MustCompile(pattern).FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func xmlTag(body, tag string) string {
	return regexGroup(body, fmt.Sprintf(`(?s)<%s>(.*?)</%s>`, tag, tag))
}
