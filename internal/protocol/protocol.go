// Package protocol defines the message types exchanged between the panel
// surface and the background daemon, mirroring the extension's runtime
// message actions one-to-one.
package protocol

// Actions understood by the background daemon.
const (
	ActionAuthenticate       = "AUTHENTICATE"
	ActionGetToken           = "GET_TOKEN"
	ActionRefreshToken       = "REFRESH_TOKEN"
	ActionCheckAuth          = "CHECK_AUTH"
	ActionSignOut            = "SIGN_OUT"
	ActionGetTabContent      = "GET_TAB_CONTENT"
	ActionGetContextFromTabs = "GET_CONTEXT_FROM_TABS"

	// Push events delivered over the long-lived event stream.
	ActionAddContext  = "ADD_CONTEXT"
	ActionAuthChanged = "AUTH_CHANGED"
)

// User is the identity record issued by the auth service. Immutable once
// issued; replaced only by a new sign-in.
type User struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Credentials is the persisted token pair. Expiries are epoch milliseconds.
type Credentials struct {
	AccessToken           string `json:"accessToken"`
	AccessTokenExpiresAt  int64  `json:"accessTokenExpiresAt"`
	RefreshToken          string `json:"refreshToken"`
	RefreshTokenExpiresAt int64  `json:"refreshTokenExpiresAt"`
}

// ContextEntry identifies one browser tab registered as a context source.
type ContextEntry struct {
	TabID int    `json:"tabId"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// TabContent is the extracted text of one tab. All fields are nullable:
// extraction failures degrade to a content-less entry.
type TabContent struct {
	Content *string `json:"content"`
	URL     *string `json:"url"`
	Title   *string `json:"title"`
}

// AuthenticateRequest starts an interactive sign-in.
type AuthenticateRequest struct {
	ClientID string `json:"clientId"`
	BaseURL  string `json:"baseUrl"`
}

// AuthenticateResponse reports the sign-in outcome.
type AuthenticateResponse struct {
	Success     bool         `json:"success"`
	User        *User        `json:"user,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// TokenRequest asks for a valid access token, refreshing if needed.
type TokenRequest struct {
	ClientID string `json:"clientId"`
	BaseURL  string `json:"baseUrl"`
}

// TokenResponse carries the token, or null when no valid token could be
// produced.
type TokenResponse struct {
	Token *string `json:"token"`
}

// RefreshResponse reports an explicit refresh outcome.
type RefreshResponse struct {
	Success bool    `json:"success"`
	Token   *string `json:"token,omitempty"`
}

// CheckAuthResponse is a pure read of the stored auth state.
type CheckAuthResponse struct {
	IsAuthenticated bool    `json:"isAuthenticated"`
	User            *User   `json:"user,omitempty"`
	Token           *string `json:"token,omitempty"`
}

// SignOutResponse acknowledges credential removal.
type SignOutResponse struct {
	Success bool `json:"success"`
}

// ContextFromTabsRequest fetches content for a snapshot of context entries.
type ContextFromTabsRequest struct {
	Contexts []ContextEntry `json:"contexts"`
}

// ContextFromTabsResponse returns one TabContent per requested entry, in
// request order.
type ContextFromTabsResponse struct {
	Contents []TabContent `json:"contents"`
}

// Event is one message on the push channel.
type Event struct {
	Action  string        `json:"action"`
	Context *ContextEntry `json:"context,omitempty"`
}
