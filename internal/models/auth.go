package models

// GuestLoginRequest is the body of a guest-login call.
type GuestLoginRequest struct {
	DeviceID   string `json:"deviceId"`
	LanguageID string `json:"languageId"`
}

// GuestLoginResponse carries the issued bearer token and the guest user.
type GuestLoginResponse struct {
	Token string `json:"token"`
	User  struct {
		ID string `json:"id"`
	} `json:"user"`
}

// CartCount is returned by the cart-count endpoint.
type CartCount struct {
	Count int `json:"count"`
}
