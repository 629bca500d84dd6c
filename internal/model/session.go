package model

// KotakSettings are the long-lived Kotak Neo trade API credentials a user
// saves once. TOTPSecret is the base32 seed used to generate login codes.
type KotakSettings struct {
	AccessToken  string `json:"access_token"`
	MobileNumber string `json:"mobile_number"`
	UCC          string `json:"ucc"`
	MPIN         string `json:"mpin"`
	TOTPSecret   string `json:"totp_secret"`
}

// KotakSession is a live Kotak Neo trade session produced by the two-step
// login. KType is "View" after step one, "Trade" after MPIN validation.
type KotakSession struct {
	Token   string `json:"token"`
	SID     string `json:"sid"`
	BaseURL string `json:"base_url"`
	KType   string `json:"k_type"`
}

// AliceBlueSettings are the OAuth app credentials for an Alice Blue account.
type AliceBlueSettings struct {
	UserID    string `json:"user_id"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// AliceBlueSession is a live Alice Blue session token.
type AliceBlueSession struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}
