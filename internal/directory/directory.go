// Package directory looks up per-device configuration.
//
// A [Directory] merges three sources, later ones winning field by field: the
// configured defaults, an optional HTTP device directory, and static
// per-device overrides from the configuration file. A directory failure is
// never fatal: the caller gets the best profile available and the error.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds one HTTP lookup.
const DefaultTimeout = 3 * time.Second

// ErrNotFound is returned by the HTTP source for unknown devices.
var ErrNotFound = errors.New("directory: device not found")

// Profile is the per-device vendor and voice configuration.
type Profile struct {
	Voice        string `json:"voice,omitempty" yaml:"voice"`
	Language     string `json:"language,omitempty" yaml:"language"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt"`
	LLMModel     string `json:"llm_model,omitempty" yaml:"llm_model"`
}

// merge returns p with the non-empty fields of o applied.
func (p Profile) merge(o Profile) Profile {
	if o.Voice != "" {
		p.Voice = o.Voice
	}
	if o.Language != "" {
		p.Language = o.Language
	}
	if o.SystemPrompt != "" {
		p.SystemPrompt = o.SystemPrompt
	}
	if o.LLMModel != "" {
		p.LLMModel = o.LLMModel
	}
	return p
}

// Option configures a Directory.
type Option func(*Directory)

// WithURL enables the HTTP source rooted at base. Lookups request
// GET <base>/devices/{id}.
func WithURL(base string) Option {
	return func(d *Directory) { d.base = strings.TrimRight(base, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Directory) { d.client = c }
}

// WithStatic sets per-device overrides keyed by device id.
func WithStatic(devices map[string]Profile) Option {
	return func(d *Directory) { d.static = devices }
}

// WithTimeout sets the HTTP lookup timeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Directory) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// Directory resolves device profiles. It is safe for concurrent use.
type Directory struct {
	defaults Profile
	static   map[string]Profile
	base     string
	client   *http.Client
	timeout  time.Duration
}

// New creates a Directory that falls back to defaults.
func New(defaults Profile, opts ...Option) *Directory {
	d := &Directory{
		defaults: defaults,
		client:   http.DefaultClient,
		timeout:  DefaultTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Lookup returns the profile of deviceID. Unknown devices get the defaults.
// The returned profile is usable even when err is non-nil.
func (d *Directory) Lookup(ctx context.Context, deviceID string) (Profile, error) {
	p := d.defaults
	var err error
	if d.base != "" {
		remote, ferr := d.fetch(ctx, deviceID)
		switch {
		case ferr == nil:
			p = p.merge(remote)
		case !errors.Is(ferr, ErrNotFound):
			err = ferr
		}
	}
	if o, ok := d.static[deviceID]; ok {
		p = p.merge(o)
	}
	return p, err
}

func (d *Directory) fetch(ctx context.Context, deviceID string) (Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	u := d.base + "/devices/" + url.PathEscape(deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("directory: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("directory: lookup %s: %w", deviceID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Profile{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Profile{}, fmt.Errorf("directory: lookup %s: status %d: %s", deviceID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("directory: decode %s: %w", deviceID, err)
	}
	return p, nil
}
