package manifest

import "strings"

// thirdPartyScheme marks manifest URLs that resolve through a third-party
// model repository instead of the first-party catalog.
const thirdPartyScheme = "hf://"

// Locator is the parsed form of a model's manifest_url.
type Locator struct {
	// Remote is the catalog URL when the locator is first-party.
	Remote string

	// Third-party fields, set when IsThirdParty is true.
	IsThirdParty bool
	Repository   string // owner/name
	ArtifactPath string // path within the repository
	Revision     string // branch, tag or commit; empty means default
}

// ParseLocator derives a Locator from a stored manifest URL. Parsing is
// pure and total: any form that is not a well-shaped third-party URL
// degrades to a remote locator carrying the raw string.
//
// Third-party form: hf://{owner}/{name}/{path...}[@{revision}]
func ParseLocator(manifestURL string) Locator {
	remote := Locator{Remote: manifestURL}

	if !strings.HasPrefix(manifestURL, thirdPartyScheme) {
		return remote
	}

	rest := strings.TrimPrefix(manifestURL, thirdPartyScheme)

	revision := ""
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		revision = rest[at+1:]
		rest = rest[:at]
	}

	segments := strings.Split(rest, "/")
	if len(segments) < 3 {
		return remote
	}
	for _, s := range segments[:2] {
		if s == "" {
			return remote
		}
	}
	artifactPath := strings.Join(segments[2:], "/")
	if artifactPath == "" {
		return remote
	}

	return Locator{
		IsThirdParty: true,
		Repository:   segments[0] + "/" + segments[1],
		ArtifactPath: artifactPath,
		Revision:     revision,
	}
}
