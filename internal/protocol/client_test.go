package protocol

import (
	"strconv"
	"strings"
	"testing"
)

func TestResolveHosts(t *testing.T) {
	tests := []struct {
		entry string
		login string
		file  string
	}{
		{"szfilehelper.weixin.qq.com", "login.wx2.qq.com", "file.wx2.qq.com"},
		{"cmfilehelper.weixin.qq.com", "login.wx8.qq.com", "file.wx8.qq.com"},
		{"filehelper.weixin.qq.com", "login.wx.qq.com", "file.wx.qq.com"},
	}
	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			login, file := resolveHosts(tt.entry)
			if login != tt.login || file != tt.file {
				t.Errorf("resolveHosts(%q) = %q, %q; want %q, %q", tt.entry, login, file, tt.login, tt.file)
			}
		})
	}
}

func TestGenerateDeviceID(t *testing.T) {
	id := generateDeviceID()
	if len(id) != 16 || id[0] != 'e' {
		t.Fatalf("device id %q: want 'e' followed by 15 digits", id)
	}
	for _, r := range id[1:] {
		if r < '0' || r > '9' {
			t.Fatalf("device id %q contains non-digit %q", id, r)
		}
	}
}

func TestSyncKeyCheckString(t *testing.T) {
	k := syncKey{Count: 2, List: []syncKeyPair{{Key: 1, Val: 661706298}, {Key: 2, Val: 661706328}}}
	if got, want := k.checkString(), "1_661706298|2_661706328"; got != want {
		t.Errorf("checkString = %q, want %q", got, want)
	}
	if got := (syncKey{}).checkString(); got != "" {
		t.Errorf("empty cursor checkString = %q, want empty", got)
	}
}

func TestLoginPageParsing(t *testing.T) {
	body := `window.QRLogin.code = 200; window.QRLogin.uuid = "QZoWqdDye9==";`
	if m := reLoginUUID.FindStringSubmatch(body); len(m) < 2 || m[1] != "QZoWqdDye9==" {
		t.Errorf("uuid not extracted from %q", body)
	}

	tests := []struct {
		name string
		body string
		code string
	}{
		{"waiting", `window.code=408;`, "408"},
		{"scanned", "window.code=201;window.userAvatar = 'data:img/jpg;base64,x';", "201"},
		{"confirmed", `window.code=200;
window.redirect_uri="https://szfilehelper.weixin.qq.com/cgi-bin/mmwebwx-bin/webwxnewloginpage?ticket=A&uuid=B&scan=1";`, "200"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := reLoginCode.FindStringSubmatch(tt.body)
			if len(m) < 2 || m[1] != tt.code {
				t.Fatalf("code not extracted from %q", tt.body)
			}
		})
	}

	redirect := reLoginRedirect.FindStringSubmatch(tests[2].body)
	if len(redirect) < 2 || !strings.Contains(redirect[1], "webwxnewloginpage") {
		t.Errorf("redirect uri not extracted")
	}
}

func TestSyncCheckParsing(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		retcode  string
		selector string
	}{
		{"idle", `window.synccheck={retcode:"0",selector:"0"}`, "0", "0"},
		{"messages", `window.synccheck={retcode:"0",selector:"2"}`, "0", "2"},
		{"expired", `window.synccheck={retcode:"1101",selector:"0"}`, "1101", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if m := reRetcode.FindStringSubmatch(tt.body); len(m) < 2 || m[1] != tt.retcode {
				t.Errorf("retcode not extracted from %q", tt.body)
			}
			if m := reSelector.FindStringSubmatch(tt.body); len(m) < 2 || m[1] != tt.selector {
				t.Errorf("selector not extracted from %q", tt.body)
			}
		})
	}
}

func TestXMLTag(t *testing.T) {
	body := `<error><ret>0</ret><skey>@crypt_x_y</skey><wxsid>SID123</wxsid><wxuin>99</wxuin><pass_ticket>PT%2Fabc</pass_ticket></error>`
	if got := xmlTag(body, "skey"); got != "@crypt_x_y" {
		t.Errorf("skey = %q", got)
	}
	if got := xmlTag(body, "wxuin"); got != "99" {
		t.Errorf("wxuin = %q", got)
	}
	if got := xmlTag(body, "missing"); got != "" {
		t.Errorf("missing tag = %q, want empty", got)
	}
}

func TestNormalize(t *testing.T) {
	c := NewClient(Options{EntryHost: "szfilehelper.weixin.qq.com"})
	c.userName = "@self"
	c.markSent("echo1")

	raw := []rawMessage{
		{MsgID: "m1", FromUserName: "filehelper", ToUserName: "@self", MsgType: 1, Content: "hello &amp; bye"},
		{MsgID: "m1", FromUserName: "filehelper", ToUserName: "@self", MsgType: 1, Content: "dup"},
		{MsgID: "echo1", FromUserName: "@self", ToUserName: "filehelper", MsgType: 1, Content: "local echo"},
		{MsgID: "m2", FromUserName: "@self", ToUserName: "filehelper", MsgType: 3},
		{MsgID: "m3", FromUserName: "@other", ToUserName: "@group", MsgType: 1, Content: "not ours"},
		{MsgID: "m4", FromUserName: "@self", ToUserName: "filehelper", MsgType: 49, AppMsgType: 6, FileName: "report.pdf"},
		{MsgID: "", MsgType: 1, Content: "no id"},
		{MsgID: "m5", FromUserName: "filehelper", ToUserName: "@self", MsgType: 49, AppMsgType: 5, Content: "link card"},
	}

	out := c.normalize(raw)
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3: %+v", len(out), out)
	}

	if out[0].RemoteID != "m1" || out[0].Kind != KindText || out[0].Text != "hello & bye" {
		t.Errorf("text message mishandled: %+v", out[0])
	}
	if out[0].IsSelf {
		t.Errorf("m1 came from filehelper, not the owner")
	}
	if out[1].RemoteID != "m2" || out[1].Kind != KindImage || !out[1].IsSelf {
		t.Errorf("image message mishandled: %+v", out[1])
	}
	if out[1].FileName == "" {
		t.Errorf("image got no fallback file name")
	}
	if out[2].Kind != KindFile || out[2].FileName != "report.pdf" {
		t.Errorf("file message mishandled: %+v", out[2])
	}

	// Same batch again: everything is now seen.
	if again := c.normalize(raw); len(again) != 0 {
		t.Errorf("replay produced %d messages, want 0", len(again))
	}
}

func TestSeenEviction(t *testing.T) {
	c := NewClient(Options{EntryHost: "szfilehelper.weixin.qq.com"})
	for i := 0; i < maxSeenIDs+10; i++ {
		c.markSeen("msg-" + strconv.Itoa(i))
	}
	if len(c.seen) != maxSeenIDs || len(c.seenList) != maxSeenIDs {
		t.Errorf("seen set grew to %d, cap is %d", len(c.seen), maxSeenIDs)
	}
	if _, ok := c.seen["msg-0"]; ok {
		t.Errorf("oldest id survived eviction")
	}
	if _, ok := c.seen["msg-"+strconv.Itoa(maxSeenIDs+9)]; !ok {
		t.Errorf("newest id missing")
	}
}
