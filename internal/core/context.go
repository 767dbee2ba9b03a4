package core

// Environment variables a CI host sets for the build being run.
const (
	EnvTag       = "TRAVIS_TAG"
	EnvBranch    = "TRAVIS_BRANCH"
	EnvEventType = "TRAVIS_EVENT_TYPE"
	EnvRepoSlug  = "TRAVIS_REPO_SLUG"
	EnvSender    = "TRAVIS_BUILD_SENDER"
)

// BuildContext describes the source-control state a pipeline runs for.
// An empty Tag means a branch build.
type BuildContext struct {
	Tag    string            `json:"tag,omitempty"`
	Branch string            `json:"branch,omitempty"`
	Event  string            `json:"event,omitempty"`
	Repo   string            `json:"repo,omitempty"`
	Sender string            `json:"sender,omitempty"`
	OS     string            `json:"os,omitempty"`
	Vars   map[string]string `json:"vars,omitempty"`
}

// BuildContextFromEnv reads the build context from CI host variables.
func BuildContextFromEnv(lookup func(string) (string, bool)) BuildContext {
	get := func(k string) string {
		v, _ := lookup(k)
		return v
	}
	ctx := BuildContext{
		Tag:    get(EnvTag),
		Branch: get(EnvBranch),
		Event:  get(EnvEventType),
		Repo:   get(EnvRepoSlug),
		Sender: get(EnvSender),
	}
	if ctx.Event == "" {
		ctx.Event = "push"
	}
	return ctx
}

// Var implements condition.Context.
func (b BuildContext) Var(name string) string {
	switch name {
	case "tag":
		return b.Tag
	case "branch":
		return b.Branch
	case "type":
		return b.Event
	case "repo":
		return b.Repo
	case "sender":
		return b.Sender
	case "os":
		return b.OS
	}
	return ""
}

// Env implements condition.Context.
func (b BuildContext) Env(name string) string {
	return b.Vars[name]
}

// ForJob narrows the context to one job: its os and env become visible
// to conditions.
func (b BuildContext) ForJob(j Job, env EnvVars) BuildContext {
	out := b
	out.OS = j.OS
	out.Vars = make(map[string]string, len(b.Vars)+len(env))
	for k, v := range b.Vars {
		out.Vars[k] = v
	}
	for k, v := range env.Map() {
		out.Vars[k] = v
	}
	return out
}
