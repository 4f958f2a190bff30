// Package build contains the domain types shared across the pipeline: target
// platforms, the build record lifecycle, and submission validation.
package build

import (
	"strings"
	"time"
)

// Platform identifies the packaging target for one build.
type Platform string

const (
	PlatformAndroid    Platform = "android"
	PlatformAndroidAPK Platform = "android-apk"
	PlatformIOS        Platform = "ios"
	PlatformHarmonyOS  Platform = "harmonyos"
	PlatformWindows    Platform = "windows"
	PlatformMacOS      Platform = "macos"
	PlatformLinux      Platform = "linux"
	PlatformChrome     Platform = "chrome"
	PlatformWeChat     Platform = "wechat"
)

var allPlatforms = map[Platform]bool{
	PlatformAndroid:    true,
	PlatformAndroidAPK: true,
	PlatformIOS:        true,
	PlatformHarmonyOS:  true,
	PlatformWindows:    true,
	PlatformMacOS:      true,
	PlatformLinux:      true,
	PlatformChrome:     true,
	PlatformWeChat:     true,
}

// ParsePlatform converts a URL/form value into a Platform.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !allPlatforms[p] {
		return "", ErrUnknownPlatform
	}
	return p, nil
}

// RequiresCI reports whether the platform's artifact is compiled by the
// remote CI system instead of being assembled in-process.
func (p Platform) RequiresCI() bool {
	return p == PlatformAndroidAPK
}

// RequiresPackageID reports whether a dotted package/bundle identifier is
// mandatory for the platform.
func (p Platform) RequiresPackageID() bool {
	switch p {
	case PlatformAndroid, PlatformAndroidAPK, PlatformIOS, PlatformHarmonyOS:
		return true
	}
	return false
}

// ArtifactExt is the file extension of the final installable package.
func (p Platform) ArtifactExt() string {
	switch p {
	case PlatformAndroid, PlatformAndroidAPK:
		return ".apk"
	case PlatformIOS:
		return ".ipa"
	case PlatformHarmonyOS:
		return ".hap"
	default:
		return ".zip"
	}
}

// Status describes the build lifecycle. Transitions are strictly
// pending -> processing -> (completed | failed); terminal states absorb.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress markers used by the pipeline. The watchdog keys on
// ProgressDispatched to find builds parked on the remote CI system.
const (
	ProgressStarted    = 10
	ProgressAssembled  = 50
	ProgressDispatched = 50
	ProgressUploaded   = 80
	ProgressDone       = 100
)

// Record is one persisted platform build and the single source of truth for
// its status, progress, file pointers, and expiry.
type Record struct {
	ID            string   `json:"id"`
	UserID        string   `json:"user_id"`
	Platform      Platform `json:"platform"`
	AppName       string   `json:"app_name"`
	PackageID     string   `json:"package_id,omitempty"`
	VersionName   string   `json:"version_name,omitempty"`
	VersionCode   int      `json:"version_code,omitempty"`
	TargetURL     string   `json:"target_url"`
	PrivacyPolicy string   `json:"-"`

	Status       Status  `json:"status"`
	Progress     int     `json:"progress"`
	ErrorMessage *string `json:"error_message,omitempty"`

	OutputFilePath *string `json:"output_file_path,omitempty"`
	DownloadURL    *string `json:"download_url,omitempty"`
	IconURL        *string `json:"icon_url,omitempty"`

	GitHubRunID       *int64  `json:"github_run_id,omitempty"`
	GitHubArtifactURL *string `json:"github_artifact_url,omitempty"`

	// SyncingSince is the distributed resync claim; a non-nil value younger
	// than the staleness timeout means another instance owns the sync.
	SyncingSince *time.Time `json:"-"`

	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the record's retention window has passed.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// HasFinalArtifact reports whether the output pointer already carries the
// platform's final extension. Used as the idempotency guard against duplicate
// CI callbacks and overlapping poll/callback races.
func (r *Record) HasFinalArtifact() bool {
	return r.OutputFilePath != nil && strings.HasSuffix(*r.OutputFilePath, r.Platform.ArtifactExt())
}

// SourceRecordID keys the transient stage-1 source bundle record for the
// two-stage android-apk pipeline.
func SourceRecordID(buildID string) string {
	return buildID + "-source"
}
