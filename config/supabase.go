package config

import (
	"errors"

	supa "github.com/supabase-community/supabase-go"
)

var ErrSupabaseNotConfigured = errors.New("SUPABASE_URL or key not set")

// NewSupabaseClient builds a Supabase client from the loaded config. Audit
// persistence is optional: callers should treat ErrSupabaseNotConfigured as
// "run without persistence", not as a startup failure.
func NewSupabaseClient(cfg *Config) (*supa.Client, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
		return nil, ErrSupabaseNotConfigured
	}
	return supa.NewClient(cfg.SupabaseURL, cfg.SupabaseKey, nil)
}
