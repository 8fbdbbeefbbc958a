package domain

import "time"

// AppRegInfo is the app-wide OAuth client identity issued once at setup.
// Stored encrypted by the secret store; used by the token service for
// refresh-grant and exchange-grant calls against the authorization server.
type AppRegInfo struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Session is a server-side record keyed by an opaque cookie id. Exactly one
// user owns a session.
type Session struct {
	ID              string
	AccessToken     string
	RefreshToken    string
	IDToken         string
	AccessExpiresAt time.Time
	UserEmail       string
}

// NearExpiry reports whether the session's access token will expire within
// threshold of now, i.e. it should be refreshed eagerly (spec §3 invariant).
func (s *Session) NearExpiry(now time.Time, threshold time.Duration) bool {
	return !now.Before(s.AccessExpiresAt.Add(-threshold))
}

// ApiTokenStatus is the lifecycle state of an ApiToken.
type ApiTokenStatus string

const (
	ApiTokenActive   ApiTokenStatus = "active"
	ApiTokenInactive ApiTokenStatus = "inactive"
)

// ApiToken is the persisted record for an issued API token. The secret
// itself — a JWT offline refresh token from the authorization server — is
// never stored; only this metadata record is.
type ApiToken struct {
	ID        string
	Name      string
	UserID    string
	Status    ApiTokenStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AliasSource distinguishes aliases derived from downloaded model files from
// ones a user created directly.
type AliasSource string

const (
	AliasSourceUser  AliasSource = "user"
	AliasSourceModel AliasSource = "model"
)

// InferenceParams are the default generation parameters bound to an alias.
// Zero values mean "unset"; a request's own params override these field by
// field, never wholesale.
type InferenceParams struct {
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	TopP        *float64 `yaml:"top_p,omitempty" json:"top_p,omitempty"`
	TopK        *int     `yaml:"top_k,omitempty" json:"top_k,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	ContextSize int      `yaml:"context_size,omitempty" json:"context_size,omitempty"`
}

// Alias maps a user-visible name to a model file, chat template, and
// default inference parameters. source=model aliases are immutable;
// source=user aliases may be edited or deleted.
type Alias struct {
	Name            string          `yaml:"name" json:"name"`
	ModelFileRef    string          `yaml:"model_file_ref" json:"model_file_ref"`
	ChatTemplateRef string          `yaml:"chat_template_ref" json:"chat_template_ref"`
	InferenceParams InferenceParams `yaml:"inference_params" json:"inference_params"`
	Source          AliasSource     `yaml:"source" json:"source"`
}

// AppStatus is the gateway's strictly monotonic bootstrap state machine:
// setup -> resource_admin -> ready. Once ready, only role/alias data
// mutates.
type AppStatus string

const (
	AppStatusSetup         AppStatus = "setup"
	AppStatusResourceAdmin AppStatus = "resource_admin"
	AppStatusReady         AppStatus = "ready"
)

// Next returns the status that legally follows s, and false if s is already
// terminal or unrecognized.
func (s AppStatus) Next() (AppStatus, bool) {
	switch s {
	case AppStatusSetup:
		return AppStatusResourceAdmin, true
	case AppStatusResourceAdmin:
		return AppStatusReady, true
	default:
		return "", false
	}
}

// SettingSource names the configuration layer that produced an effective
// Setting value, in decreasing precedence order.
type SettingSource string

const (
	SettingSourceSystem  SettingSource = "system"
	SettingSourceCmdline SettingSource = "cmdline"
	SettingSourceEnv     SettingSource = "env"
	SettingSourceFile    SettingSource = "file"
	SettingSourceDefault SettingSource = "default"
)

// Setting is one typed, source-attributed configuration value. Source gates
// editability: system-sourced settings are read-only from the Settings
// Service's own API.
type Setting struct {
	Key         string        `json:"key"`
	Value       any           `json:"value"`
	Source      SettingSource `json:"source"`
	Editable    bool          `json:"editable"`
	Description string        `json:"description,omitempty"`
}
