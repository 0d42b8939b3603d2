package orchestrator

import (
	"strings"
	"text/template"
)

// repoUpdateScriptTemplate is piped to `sh -s` inside the freshly built
// jail once a bulk build produces packages: it prunes older revisions
// of each newly built origin from the mounted repository and
// regenerates the pkg(8) repository metadata, mirroring
// RunBuildTask.run's final nullfs+script step.
var repoUpdateScriptTemplate = template.Must(template.New("repo_update.sh").Parse(`#!/bin/sh
set -e

PACKAGES="{{.Packages}}"

for pkg in $PACKAGES; do
	origin=$(pkg query '%o' "/pkg/All/${pkg}.pkg" 2>/dev/null || true)
	if [ -n "$origin" ]; then
		for old in $(pkg query -g '%n-%v' "$(pkg query '%n' "/pkg/All/${pkg}.pkg")-*" 2>/dev/null || true); do
			if [ "$old" != "$pkg" ] && [ -f "/pkg/All/${old}.pkg" ]; then
				rm -f "/pkg/All/${old}.pkg"
			fi
		done
	fi
done

pkg repo /pkg
`))

type repoUpdateScriptData struct {
	Packages string
}

func renderRepoUpdateScript(packages string) string {
	var b strings.Builder
	// Must never fail: the template is a compile-time literal with a
	// single string field.
	_ = repoUpdateScriptTemplate.Execute(&b, repoUpdateScriptData{Packages: packages})
	return b.String()
}
