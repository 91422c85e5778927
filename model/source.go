package model

// RateLimit is the per-source admission budget: PerMinute requests per fixed
// window plus an additional Burst allowance.
type RateLimit struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	Burst     int `json:"burst" yaml:"burst"`
}

// Source is the configuration of one upstream API as stored in the durable
// tier's sources table.
type Source struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	BaseURL        string            `json:"base_url"`
	DefaultHeaders map[string]string `json:"default_headers,omitempty"`
	DefaultQuery   map[string]string `json:"default_query,omitempty"`
	RateLimit      RateLimit         `json:"rate_limit"`
	CacheTTLS      int               `json:"cache_ttl_s"`
	KeyTemplate    string            `json:"key_template,omitempty"`
	SupportsPool   bool              `json:"supports_pool"`
}
