package collector

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/supporttools/dmesg-check/pkg/types"
)

// Target addresses one task on the collector. ResultURL, when known, is
// the existing /recipes/{r}/tasks/{t}/results/{id} record.
type Target struct {
	ResultURL string
	RecipeURL string
	TaskID    string
}

// TargetFromEnvironment reads RSTRNT_RESULT_URL, RECIPE_URL and TASKID,
// the latter two honouring HARNESS_PREFIX.
func TargetFromEnvironment(env types.Environment) Target {
	t := Target{ResultURL: env.Get(types.EnvResultURL)}
	t.RecipeURL, _ = env.Prefixed(types.EnvRecipeURL)
	t.TaskID, _ = env.Prefixed(types.EnvTaskID)
	return t
}

// Validate checks that the target can receive at least one upload.
func (t Target) Validate() error {
	if t.ResultURL != "" {
		if _, err := parseAbsolute(t.ResultURL); err != nil {
			return fmt.Errorf("invalid %s: %w", types.EnvResultURL, err)
		}
	}
	if t.RecipeURL != "" {
		if _, err := parseAbsolute(t.RecipeURL); err != nil {
			return fmt.Errorf("invalid %s: %w", types.EnvRecipeURL, err)
		}
	}
	if t.ResultURL == "" && (t.RecipeURL == "" || t.TaskID == "") {
		return fmt.Errorf("either %s or both %s and %s must be set",
			types.EnvResultURL, types.EnvRecipeURL, types.EnvTaskID)
	}
	return nil
}

// TaskURL returns {RECIPE_URL}/tasks/{TASKID}.
func (t Target) TaskURL() (string, error) {
	if t.RecipeURL == "" || t.TaskID == "" {
		return "", fmt.Errorf("%s and %s are required to address the task", types.EnvRecipeURL, types.EnvTaskID)
	}
	return strings.TrimSuffix(t.RecipeURL, "/") + "/tasks/" + url.PathEscape(t.TaskID), nil
}

// ResultsURL returns the result creation endpoint {task}/results/.
func (t Target) ResultsURL() (string, error) {
	task, err := t.TaskURL()
	if err != nil {
		return "", err
	}
	return task + "/results/", nil
}

// LogURL returns {base}/logs/{name}.
func LogURL(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/logs/" + url.PathEscape(name)
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}
	return u, nil
}
