package build

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Dotted-segment identifier, e.g. com.example.app. Case-insensitive.
var packageIDPattern = regexp.MustCompile(`(?i)^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// IconSource carries at most one way of supplying a custom icon: a
// pre-uploaded object key, a remote URL fetched with bounded retries, or
// inline bytes (legacy clients).
type IconSource struct {
	ObjectKey string `json:"object_key,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	Inline    []byte `json:"inline,omitempty"`
}

func (i IconSource) Empty() bool {
	return i.ObjectKey == "" && i.RemoteURL == "" && len(i.Inline) == 0
}

// Request is one platform's submission payload.
type Request struct {
	Platform      Platform   `json:"platform"`
	AppName       string     `json:"app_name"`
	PackageID     string     `json:"package_id"`
	VersionName   string     `json:"version_name"`
	VersionCode   int        `json:"version_code"`
	TargetURL     string     `json:"target_url"`
	PrivacyPolicy string     `json:"privacy_policy"`
	Icon          IconSource `json:"icon"`
}

// Validate rejects malformed submissions before any quota is deducted.
// maxIconBytes bounds inline icon payloads; remote and pre-uploaded icons are
// size-checked by the orchestrator against the same limit.
func (r *Request) Validate(maxIconBytes int64) error {
	if !allPlatforms[r.Platform] {
		return fmt.Errorf("%w: platform %q", ErrInvalidInput, r.Platform)
	}
	if strings.TrimSpace(r.AppName) == "" {
		return fmt.Errorf("%w: app name is required", ErrInvalidInput)
	}
	if err := ValidateTargetURL(r.TargetURL); err != nil {
		return err
	}
	if r.Platform.RequiresPackageID() {
		if !packageIDPattern.MatchString(r.PackageID) {
			return fmt.Errorf("%w: package identifier %q must be a dotted identifier like com.example.app", ErrInvalidInput, r.PackageID)
		}
	}
	if r.VersionCode < 0 {
		return fmt.Errorf("%w: version code must not be negative", ErrInvalidInput)
	}
	if maxIconBytes > 0 && int64(len(r.Icon.Inline)) > maxIconBytes {
		return fmt.Errorf("%w: icon exceeds %d bytes", ErrInvalidInput, maxIconBytes)
	}
	return nil
}

// ValidateTargetURL requires a well-formed absolute http(s) URL.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: target url: %v", ErrInvalidInput, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: target url must be an absolute http(s) url", ErrInvalidInput)
	}
	return nil
}

// AppSlug derives a filesystem/object-key safe name for artifact files.
func (r *Request) AppSlug() string {
	return AppSlug(r.AppName)
}

func AppSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, c := range slug {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == ' ', c == '-', c == '_', c == '.':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "app"
	}
	return out
}
