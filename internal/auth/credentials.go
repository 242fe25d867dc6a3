// Package auth owns the credential lifecycle: the token pair, validity
// checks, the dual auth headers every call carries, and the refresh
// exchange that keeps the access token alive.
package auth

import "time"

// Identity is the user the credentials belong to, populated after a
// successful user-info lookup.
type Identity struct {
	UserID     string `json:"UserID"`
	ScreenName string `json:"ScreenName"`
	Email      string `json:"Email"`
	Region     string `json:"Region"`
}

// Credentials is the current token pair plus expiry metadata. It is a
// plain value: the Manager hands out copies, never shared pointers, so
// a refresh can never tear a reader's view.
type Credentials struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	AccessExpiry  time.Time `json:"access_expiry"`
	RefreshExpiry time.Time `json:"refresh_expiry"`
	User          *Identity `json:"user,omitempty"`
}

// Valid reports whether the access token is present and not expired at
// now. The exact expiry instant counts as expired. A zero AccessExpiry
// with a token present means the expiry is unknown and the token is
// assumed usable.
func (c Credentials) Valid(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	if c.AccessExpiry.IsZero() {
		return true
	}
	return now.Before(c.AccessExpiry)
}

// NeedsRefresh reports whether the token is still valid but inside the
// proactive-refresh window. Expired tokens return false: expiry is the
// reactive path, not a refresh hint.
func (c Credentials) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	if !c.Valid(now) || c.AccessExpiry.IsZero() {
		return false
	}
	return c.AccessExpiry.Sub(now) < threshold
}

// CanRefresh reports whether a refresh exchange is worth attempting.
func (c Credentials) CanRefresh(now time.Time) bool {
	if c.RefreshToken == "" {
		return false
	}
	if c.RefreshExpiry.IsZero() {
		return true
	}
	return now.Before(c.RefreshExpiry)
}
