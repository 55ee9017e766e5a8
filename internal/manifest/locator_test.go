package manifest

import "testing"

func TestParseLocatorThirdParty(t *testing.T) {
	loc := ParseLocator("hf://acme/tiny-model/weights/model.gguf@v2")

	if !loc.IsThirdParty {
		t.Fatalf("expected third-party locator")
	}
	if loc.Repository != "acme/tiny-model" {
		t.Errorf("unexpected repository %q", loc.Repository)
	}
	if loc.ArtifactPath != "weights/model.gguf" {
		t.Errorf("unexpected artifact path %q", loc.ArtifactPath)
	}
	if loc.Revision != "v2" {
		t.Errorf("unexpected revision %q", loc.Revision)
	}
}

func TestParseLocatorDefaultRevision(t *testing.T) {
	loc := ParseLocator("hf://acme/tiny-model/model.gguf")

	if !loc.IsThirdParty {
		t.Fatalf("expected third-party locator")
	}
	if loc.Revision != "" {
		t.Errorf("expected empty revision, got %q", loc.Revision)
	}
	if loc.ArtifactPath != "model.gguf" {
		t.Errorf("unexpected artifact path %q", loc.ArtifactPath)
	}
}

func TestParseLocatorDegradesToRemote(t *testing.T) {
	cases := []string{
		"https://catalog.lumen.app/v1/models/m1/manifest",
		"hf://only-owner",
		"hf://owner/name",
		"hf:///name/path",
		"hf://owner//path",
		"hf://owner/name/",
		"",
	}
	for _, raw := range cases {
		loc := ParseLocator(raw)
		if loc.IsThirdParty {
			t.Errorf("expected %q to degrade to a remote locator", raw)
		}
		if loc.Remote != raw {
			t.Errorf("expected remote to carry raw value %q, got %q", raw, loc.Remote)
		}
	}
}

func TestParseLocatorRevisionSplitsOnLastAt(t *testing.T) {
	loc := ParseLocator("hf://acme/tiny@model/file.bin@main")

	if !loc.IsThirdParty {
		t.Fatalf("expected third-party locator")
	}
	if loc.Revision != "main" {
		t.Errorf("unexpected revision %q", loc.Revision)
	}
	if loc.Repository != "acme/tiny@model" {
		t.Errorf("unexpected repository %q", loc.Repository)
	}
}
