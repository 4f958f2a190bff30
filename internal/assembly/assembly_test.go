package assembly_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/packwright/packwright/internal/assembly"
	"github.com/packwright/packwright/internal/build"
)

type staticTemplates map[build.Platform][]byte

func (s staticTemplates) Template(_ context.Context, p build.Platform) ([]byte, error) {
	return s[p], nil
}

func makeTemplate(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func readZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string][]byte)
	for _, f := range zr.File {
		r, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		content, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			t.Fatal(err)
		}
		out[f.Name] = content
	}
	return out
}

func spec() assembly.Spec {
	return assembly.Spec{
		BuildID:     "b1",
		Platform:    build.PlatformAndroid,
		AppName:     "Demo App",
		PackageID:   "com.example.demo",
		VersionName: "2.0.0",
		VersionCode: 20,
		TargetURL:   "https://demo.example.com",
	}
}

func TestAssemblePatchesConfigAndIcon(t *testing.T) {
	tmpl := makeTemplate(t, map[string][]byte{
		"packwright.json":  []byte(`{"app_name":"placeholder"}`),
		"assets/icon.png":  []byte("default-icon"),
		"runtime/core.dat": []byte("runtime"),
	})
	a := assembly.NewTemplateAssembler(staticTemplates{build.PlatformAndroid: tmpl})

	s := spec()
	s.Icon = []byte("custom-icon")
	artifact, err := a.Assemble(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if artifact.Name != "demo-app-android.apk" {
		t.Fatalf("artifact name %s", artifact.Name)
	}

	entries := readZip(t, artifact.Data)
	var cfg map[string]any
	if err := json.Unmarshal(entries["packwright.json"], &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg["app_name"] != "Demo App" || cfg["package_id"] != "com.example.demo" || cfg["build_id"] != "b1" {
		t.Fatalf("config %v", cfg)
	}
	if string(entries["assets/icon.png"]) != "custom-icon" {
		t.Fatalf("icon %q", entries["assets/icon.png"])
	}
	if string(entries["runtime/core.dat"]) != "runtime" {
		t.Fatal("unrelated entries must pass through untouched")
	}
}

func TestAssembleKeepsDefaultIconWithoutCustomOne(t *testing.T) {
	tmpl := makeTemplate(t, map[string][]byte{
		"packwright.json": []byte(`{}`),
		"assets/icon.png": []byte("default-icon"),
	})
	a := assembly.NewTemplateAssembler(staticTemplates{build.PlatformAndroid: tmpl})

	artifact, err := a.Assemble(context.Background(), spec())
	if err != nil {
		t.Fatal(err)
	}
	entries := readZip(t, artifact.Data)
	if string(entries["assets/icon.png"]) != "default-icon" {
		t.Fatalf("icon %q", entries["assets/icon.png"])
	}
}

func TestAssembleAddsMissingConfig(t *testing.T) {
	tmpl := makeTemplate(t, map[string][]byte{
		"runtime/core.dat": []byte("runtime"),
	})
	a := assembly.NewTemplateAssembler(staticTemplates{build.PlatformAndroid: tmpl})

	artifact, err := a.Assemble(context.Background(), spec())
	if err != nil {
		t.Fatal(err)
	}
	entries := readZip(t, artifact.Data)
	if _, ok := entries["packwright.json"]; !ok {
		t.Fatal("config entry was not added")
	}
}

func TestArtifactFileNames(t *testing.T) {
	s := spec()
	s.Platform = build.PlatformAndroidAPK
	if got := assembly.ArtifactFileName(s); got != "demo-app-source.zip" {
		t.Fatalf("ci stage-1 name %s", got)
	}
	s.Platform = build.PlatformIOS
	if got := assembly.ArtifactFileName(s); got != "demo-app-ios.ipa" {
		t.Fatalf("ios name %s", got)
	}
	if got := assembly.FinalArtifactName("Demo App", build.PlatformAndroidAPK); got != "demo-app-android-apk.apk" {
		t.Fatalf("final name %s", got)
	}
}
