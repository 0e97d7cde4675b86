package protocol

import (
	"fmt"
	"strings"
)

// Remote message types on the webwx wire.
const (
	msgTypeText   = 1
	msgTypeImage  = 3
	msgTypeApp    = 49
	appMsgTypeDoc = 6
)

// Kind classifies a normalized message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

// KindForFile classifies an outbound upload by its file name.
func KindForFile(name string) Kind {
	if isImageName(name) {
		return KindImage
	}
	return KindFile
}

// LoginStatus is the result of one login poll against the remote endpoint.
// The numeric values mirror the codes the endpoint reports and are exposed
// unchanged on the HTTP boundary.
type LoginStatus int

const (
	StatusWaiting   LoginStatus = 408 // QR displayed, not yet scanned
	StatusScanned   LoginStatus = 201 // scanned, awaiting confirmation on the phone
	StatusConfirmed LoginStatus = 200 // confirmed, session established
	StatusExpired   LoginStatus = 0   // QR ticket expired or poll failed
)

func (s LoginStatus) String() string {
	switch s {
	case StatusWaiting:
		return "qr_wait_scan"
	case StatusScanned:
		return "scanned_wait_confirm"
	case StatusConfirmed:
		return "authorized"
	default:
		return "qr_expired"
	}
}

// SyncStatus is the result of a synccheck probe.
type SyncStatus int

const (
	SyncIdle        SyncStatus = iota // connection alive, nothing new
	SyncHasMessages                   // new messages pending, call Sync
	SyncInvalid                       // remote rejected the session
	SyncRetry                         // transient failure, try again
)

// Message is a normalized inbound message from the self-chat.
type Message struct {
	RemoteID string // endpoint-assigned message id, used for media download
	Kind     Kind
	Text     string
	FileName string
	IsSelf   bool // sent by the account owner from another device
}

// tickets is the auth bundle issued at login completion.
type tickets struct {
	SKey       string `json:"skey"`
	SID        string `json:"sid"`
	UIN        string `json:"uin"`
	PassTicket string `json:"pass_ticket"`
}

func (t tickets) valid() bool {
	return t.SKey != "" && t.SID != "" && t.UIN != "" && t.PassTicket != ""
}

// syncKey is the opaque long-poll cursor. It advances only on successful sync.
type syncKey struct {
	Count int           `json:"Count"`
	List  []syncKeyPair `json:"List"`
}

type syncKeyPair struct {
	Key int   `json:"Key"`
	Val int64 `json:"Val"`
}

// checkString renders the cursor in the pipe-joined form synccheck expects.
func (k syncKey) checkString() string {
	parts := make([]string, 0, len(k.List))
	for _, p := range k.List {
		parts = append(parts, fmt.Sprintf("%d_%d", p.Key, p.Val))
	}
	return strings.Join(parts, "|")
}

// baseRequest is attached to every authenticated POST.
type baseRequest struct {
	Uin      string `json:"Uin"`
	Sid      string `json:"Sid"`
	Skey     string `json:"Skey"`
	DeviceID string `json:"DeviceID"`
}

type baseResponse struct {
	Ret    int    `json:"Ret"`
	ErrMsg string `json:"ErrMsg"`
}

type initResponse struct {
	BaseResponse baseResponse `json:"BaseResponse"`
	User         struct {
		UserName string `json:"UserName"`
		Uin      int64  `json:"Uin"`
	} `json:"User"`
	SyncKey syncKey `json:"SyncKey"`
}

type syncResponse struct {
	BaseResponse baseResponse `json:"BaseResponse"`
	SyncKey      *syncKey     `json:"SyncKey"`
	AddMsgList   []rawMessage `json:"AddMsgList"`
}

type rawMessage struct {
	MsgID        string `json:"MsgId"`
	FromUserName string `json:"FromUserName"`
	ToUserName   string `json:"ToUserName"`
	MsgType      int    `json:"MsgType"`
	AppMsgType   int    `json:"AppMsgType"`
	Content      string `json:"Content"`
	FileName     string `json:"FileName"`
	MediaID      string `json:"MediaId"`
	EncryFileKey string `json:"EncryFileName"`
}

type sendResponse struct {
	BaseResponse baseResponse `json:"BaseResponse"`
	MsgID        string       `json:"MsgID"`
}

type uploadResponse struct {
	BaseResponse baseResponse `json:"BaseResponse"`
	MediaID      string       `json:"MediaId"`
}
