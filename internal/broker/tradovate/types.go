package tradovate

import "time"

// Broker endpoint defaults per environment.
const (
	demoRestURL = "https://demo.tradovateapi.com/v1"
	liveRestURL = "https://live.tradovateapi.com/v1"

	demoTradingWS = "wss://demo.tradovateapi.com/v1/websocket"
	liveTradingWS = "wss://live.tradovateapi.com/v1/websocket"
	marketDataWS  = "wss://md.tradovateapi.com/v1/websocket"
)

// accessTokenRequest is the body of POST /auth/accesstokenrequest.
type accessTokenRequest struct {
	Name       string `json:"name"`
	Password   string `json:"password"`
	AppID      string `json:"appId,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	CID        string `json:"cid,omitempty"`
	Sec        string `json:"sec,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	// PenaltyTicket echoes a previously issued p-ticket when retrying
	// after a rate-limit penalty.
	PenaltyTicket string `json:"p-ticket,omitempty"`
}

// accessTokenResponse is the union of the success and penalty shapes the
// token endpoint can answer with.
type accessTokenResponse struct {
	AccessToken    string  `json:"accessToken"`
	MdAccessToken  string  `json:"mdAccessToken"`
	ExpirationTime string  `json:"expirationTime"`
	UserID         int64   `json:"userId"`
	ErrorText      string  `json:"errorText"`
	PenaltyTicket  string  `json:"p-ticket"`
	PenaltyTime    float64 `json:"p-time"` // seconds to wait before retrying
	CaptchaNeeded  bool    `json:"p-captcha"`
}

// positionItem is one element of GET /position/list.
type positionItem struct {
	ID         int64     `json:"id"`
	AccountID  int64     `json:"accountId"`
	ContractID int64     `json:"contractId"`
	NetPos     int       `json:"netPos"`
	NetPrice   float64   `json:"netPrice"`
	Timestamp  time.Time `json:"timestamp"`
}

// contractItem is the response of GET /contract/item.
type contractItem struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
