// Package assembly turns a build specification into an installable package
// by patching a per-platform template: unzip, rewrite the embedded app
// config, swap the icon, rezip. Heavier native tooling (APK compilation)
// lives behind the remote CI pipeline instead.
package assembly

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/packwright/packwright/internal/build"
)

// configEntryName is the app descriptor every platform template carries.
const configEntryName = "packwright.json"

// iconEntryName is the icon slot inside each template.
const iconEntryName = "assets/icon.png"

// Spec is everything the packager needs for one platform build.
type Spec struct {
	BuildID       string
	Platform      build.Platform
	AppName       string
	PackageID     string
	VersionName   string
	VersionCode   int
	TargetURL     string
	PrivacyPolicy string
	Icon          []byte
}

// Artifact is a finished package ready for upload.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

// Assembler produces a platform artifact from a Spec. The android-apk
// platform yields the stage-1 source bundle for the CI compiler rather than
// a final package.
type Assembler interface {
	Assemble(ctx context.Context, spec Spec) (*Artifact, error)
}

// TemplateSource fetches the platform packaging template.
type TemplateSource interface {
	Template(ctx context.Context, platform build.Platform) ([]byte, error)
}

// TemplateAssembler is the production Assembler.
type TemplateAssembler struct {
	templates TemplateSource
}

func NewTemplateAssembler(templates TemplateSource) *TemplateAssembler {
	return &TemplateAssembler{templates: templates}
}

// Assemble patches the platform template with the spec.
func (a *TemplateAssembler) Assemble(ctx context.Context, spec Spec) (*Artifact, error) {
	tmpl, err := a.templates.Template(ctx, spec.Platform)
	if err != nil {
		return nil, fmt.Errorf("load %s template: %w", spec.Platform, err)
	}
	data, err := patchTemplate(tmpl, spec)
	if err != nil {
		return nil, fmt.Errorf("patch %s template: %w", spec.Platform, err)
	}
	return &Artifact{
		Name:        ArtifactFileName(spec),
		ContentType: "application/octet-stream",
		Data:        data,
	}, nil
}

// ArtifactFileName names the output file for a spec. CI-compiled platforms
// get a source-bundle name at this stage; the final .apk name is applied
// when the CI artifact is republished.
func ArtifactFileName(spec Spec) string {
	slug := build.AppSlug(spec.AppName)
	if spec.Platform.RequiresCI() {
		return fmt.Sprintf("%s-source.zip", slug)
	}
	return fmt.Sprintf("%s-%s%s", slug, spec.Platform, spec.Platform.ArtifactExt())
}

// FinalArtifactName names the user-facing package for CI-compiled builds.
func FinalArtifactName(appName string, platform build.Platform) string {
	return fmt.Sprintf("%s-%s%s", build.AppSlug(appName), platform, platform.ArtifactExt())
}

// appConfig is the descriptor written into every package.
type appConfig struct {
	AppName       string `json:"app_name"`
	PackageID     string `json:"package_id,omitempty"`
	VersionName   string `json:"version_name,omitempty"`
	VersionCode   int    `json:"version_code,omitempty"`
	TargetURL     string `json:"target_url"`
	PrivacyPolicy string `json:"privacy_policy,omitempty"`
	BuildID       string `json:"build_id"`
}

func patchTemplate(tmpl []byte, spec Spec) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(tmpl), int64(len(tmpl)))
	if err != nil {
		return nil, fmt.Errorf("open template zip: %w", err)
	}

	cfg, err := json.MarshalIndent(appConfig{
		AppName:       spec.AppName,
		PackageID:     spec.PackageID,
		VersionName:   spec.VersionName,
		VersionCode:   spec.VersionCode,
		TargetURL:     spec.TargetURL,
		PrivacyPolicy: spec.PrivacyPolicy,
		BuildID:       spec.BuildID,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal app config: %w", err)
	}

	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	wroteConfig := false
	for _, entry := range zr.File {
		switch {
		case isConfigEntry(entry.Name):
			if err := writeEntry(zw, entry.Name, cfg); err != nil {
				return nil, err
			}
			wroteConfig = true
		case len(spec.Icon) > 0 && isIconEntry(entry.Name):
			if err := writeEntry(zw, entry.Name, spec.Icon); err != nil {
				return nil, err
			}
		default:
			if err := copyEntry(zw, entry); err != nil {
				return nil, err
			}
		}
	}
	// Templates without a config slot get one at the archive root.
	if !wroteConfig {
		if err := writeEntry(zw, configEntryName, cfg); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close artifact zip: %w", err)
	}
	return out.Bytes(), nil
}

func isConfigEntry(name string) bool {
	return path.Base(name) == configEntryName
}

func isIconEntry(name string) bool {
	return name == iconEntryName || path.Base(name) == "icon.png"
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

func copyEntry(zw *zip.Writer, entry *zip.File) error {
	if strings.HasSuffix(entry.Name, "/") {
		return nil
	}
	r, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", entry.Name, err)
	}
	defer r.Close()
	w, err := zw.Create(entry.Name)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", entry.Name, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copy entry %s: %w", entry.Name, err)
	}
	return nil
}

// StorageTemplates adapts an object store into a TemplateSource.
type StorageTemplates struct {
	store interface {
		Download(ctx context.Context, key string) ([]byte, error)
	}
	keyFn func(build.Platform) string
}

func NewStorageTemplates(store interface {
	Download(ctx context.Context, key string) ([]byte, error)
}, keyFn func(build.Platform) string) *StorageTemplates {
	return &StorageTemplates{store: store, keyFn: keyFn}
}

func (s *StorageTemplates) Template(ctx context.Context, platform build.Platform) ([]byte, error) {
	return s.store.Download(ctx, s.keyFn(platform))
}
