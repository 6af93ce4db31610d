package collector

import (
	"net/url"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/supporttools/dmesg-check/pkg/types"
)

// MaxMessageBytes caps the report excerpt sent with a result record.
const MaxMessageBytes = 4096

// AVC check plugin and the AVC_ERROR value that turns it off.
const (
	AVCCheckPlugin = "10_avc_check"
	NoAVCCheck     = "+no_avc_check"
)

// ResultRecord is the form posted to {task}/results/.
type ResultRecord struct {
	Path           string
	Result         string
	Score          string
	Message        string
	NoPlugins      bool
	DisablePlugins []string
}

// Form encodes the record as application/x-www-form-urlencoded values.
func (r ResultRecord) Form() url.Values {
	v := url.Values{}
	v.Set("path", r.Path)
	v.Set("result", r.Result)
	if r.Score != "" {
		v.Set("score", r.Score)
	}
	if r.Message != "" {
		v.Set("message", r.Message)
	}
	if r.NoPlugins {
		v.Set("no_plugins", "true")
	}
	if len(r.DisablePlugins) > 0 {
		v.Set("disable_plugin", strings.Join(r.DisablePlugins, " "))
	}
	return v
}

// DisabledPlugins returns the configured plugins to disable, plus the AVC
// check when the task sets AVC_ERROR=+no_avc_check. configured is not modified.
func DisabledPlugins(configured []string, env types.Environment) []string {
	plugins := slices.Clone(configured)
	if env.Get(types.EnvAVCError) == NoAVCCheck && !slices.Contains(plugins, AVCCheckPlugin) {
		plugins = append(plugins, AVCCheckPlugin)
	}
	return plugins
}

// Artifact is a named log uploaded under .../logs/.
type Artifact struct {
	Name string
	Data []byte
}

// Excerpt returns at most MaxMessageBytes of report, cut on a rune boundary.
func Excerpt(report []byte) string {
	if len(report) <= MaxMessageBytes {
		return string(report)
	}
	cut := MaxMessageBytes
	for cut > 0 && !utf8.RuneStart(report[cut]) {
		cut--
	}
	return string(report[:cut])
}
