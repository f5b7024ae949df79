package settings

// AppSettings is the global singleton read by every agent-invoking
// component.
type AppSettings struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	APIKey      string        `json:"apiKey,omitempty"`
	Theme       string        `json:"theme"`
	WebDAV      *WebDAVConfig `json:"webdav,omitempty"`
}

// WebDAVConfig locates the remote backup store.
type WebDAVConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Configured reports whether a push/pull can be attempted.
func (c *WebDAVConfig) Configured() bool {
	return c != nil && c.URL != ""
}

const (
	DefaultModel       = "gemini-2.5-flash"
	DefaultTemperature = 0.7
	DefaultTheme       = "dark"
)

// Defaults returns settings seeded from server configuration.
func Defaults(model string, temperature *float64, apiKey string) AppSettings {
	s := AppSettings{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		APIKey:      apiKey,
		Theme:       DefaultTheme,
	}
	if model != "" {
		s.Model = model
	}
	if temperature != nil {
		s.Temperature = *temperature
	}
	return s
}

// Masked hides all but the last four characters of secrets, for responses.
func (s AppSettings) Masked() AppSettings {
	s.APIKey = MaskSecret(s.APIKey)
	if s.WebDAV != nil {
		dav := *s.WebDAV
		dav.Password = MaskSecret(dav.Password)
		s.WebDAV = &dav
	}
	return s
}

// MaskSecret keeps the last four characters of v.
func MaskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}
