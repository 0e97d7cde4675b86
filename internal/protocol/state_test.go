package protocol

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	src := NewClient(Options{EntryHost: "szfilehelper.weixin.qq.com", StatePath: path})
	src.auth = tickets{SKey: "@crypt_1", SID: "sid1", UIN: "42", PassTicket: "pt1"}
	src.userName = "@owner"
	src.cursor = syncKey{Count: 1, List: []syncKeyPair{{Key: 1, Val: 100}}}
	src.jar.SetCookies(
		&url.URL{Scheme: "https", Host: "szfilehelper.weixin.qq.com", Path: "/"},
		[]*http.Cookie{{Name: "webwx_data_ticket", Value: "dt1", Path: "/"}},
	)

	if err := src.SaveState(); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat state file: %v", err)
		}
		if got := info.Mode().Perm(); got != 0o600 {
			t.Errorf("state file mode %o, want 600", got)
		}
	}

	dst := NewClient(Options{EntryHost: "szfilehelper.weixin.qq.com", StatePath: path})
	ok, err := dst.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !ok {
		t.Fatalf("LoadState found nothing")
	}

	if !dst.HasAuth() {
		t.Errorf("auth not restored")
	}
	if dst.UserName() != "@owner" {
		t.Errorf("user name = %q", dst.UserName())
	}
	if dst.UIN() != "42" {
		t.Errorf("uin = %q", dst.UIN())
	}
	if got := dst.cursor.checkString(); got != "1_100" {
		t.Errorf("cursor = %q", got)
	}
	if got := dst.cookieValue("webwx_data_ticket"); got != "dt1" {
		t.Errorf("data ticket cookie = %q", got)
	}
	if dst.deviceID != src.deviceID {
		t.Errorf("device id not restored: %q vs %q", dst.deviceID, src.deviceID)
	}
}

func TestLoadStateMissingFile(t *testing.T) {
	c := NewClient(Options{
		EntryHost: "szfilehelper.weixin.qq.com",
		StatePath: filepath.Join(t.TempDir(), "absent.json"),
	})
	ok, err := c.LoadState()
	if err != nil {
		t.Fatalf("LoadState on missing file: %v", err)
	}
	if ok {
		t.Errorf("LoadState reported a session from a missing file")
	}
}

func TestClearState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	c := NewClient(Options{EntryHost: "szfilehelper.weixin.qq.com", StatePath: path})
	c.auth = tickets{SKey: "k", SID: "s", UIN: "1", PassTicket: "p"}
	if err := c.SaveState(); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := c.ClearState(); err != nil {
		t.Fatalf("ClearState: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("state file still present after ClearState")
	}
	// Clearing twice is fine.
	if err := c.ClearState(); err != nil {
		t.Errorf("second ClearState: %v", err)
	}
}
