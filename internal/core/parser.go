package core

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"stageci/internal/condition"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownTemplate is returned when `extends` names no earlier job.
	ErrUnknownTemplate = errors.New("unknown template")
	// ErrTemplateCycle is returned when template nesting does not end.
	ErrTemplateCycle = errors.New("template nesting too deep")
)

const maxTemplateDepth = 32

// ValidationError lists every problem found in a descriptor.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid pipeline: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid pipeline: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

type stringList []string

func (s *stringList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*s = stringList{n.Value}
		return nil
	}
	var list []string
	if err := n.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

// rootEnv is either a list of matrix entries or {global, jobs|matrix}.
type rootEnv struct {
	Global EnvVars
	Matrix []EnvVars
}

func (r *rootEnv) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		env, err := decodeEnv(n)
		if err != nil {
			return err
		}
		if env != nil {
			r.Matrix = []EnvVars{env}
		}
		return nil
	case yaml.SequenceNode:
		for _, item := range n.Content {
			if item.Kind == yaml.MappingNode {
				if secure, ok := secureValue(item); ok {
					r.Global = append(r.Global, EnvVar{Value: secure, Secure: true})
					continue
				}
			}
			env, err := decodeEnv(item)
			if err != nil {
				return err
			}
			r.Matrix = append(r.Matrix, env)
		}
		return nil
	case yaml.MappingNode:
		structured := false
		for i := 0; i+1 < len(n.Content); i += 2 {
			switch n.Content[i].Value {
			case "global":
				structured = true
				env, err := decodeEnv(n.Content[i+1])
				if err != nil {
					return err
				}
				r.Global = MergeEnv(r.Global, env)
			case "jobs", "matrix":
				structured = true
				var section rootEnv
				if err := section.UnmarshalYAML(n.Content[i+1]); err != nil {
					return err
				}
				r.Matrix = append(r.Matrix, section.Matrix...)
				r.Global = MergeEnv(r.Global, section.Global)
			}
		}
		if !structured {
			env, err := decodeEnv(n)
			if err != nil {
				return err
			}
			r.Global = env
		}
		return nil
	}
	return fmt.Errorf("line %d: unsupported env form", n.Line)
}

type jobMatcher struct {
	Name  string `yaml:"name"`
	Stage string `yaml:"stage"`
	OS    string `yaml:"os"`
}

func (m jobMatcher) matches(j Job) bool {
	if m.Name == "" && m.Stage == "" && m.OS == "" {
		return false
	}
	return (m.Name == "" || m.Name == j.Name) &&
		(m.Stage == "" || m.Stage == j.Stage) &&
		(m.OS == "" || m.OS == j.OS)
}

type jobsSection struct {
	Include       []yaml.Node  `yaml:"include"`
	AllowFailures []jobMatcher `yaml:"allow_failures"`
}

type rawDescriptor struct {
	Language string       `yaml:"language"`
	OS       stringList   `yaml:"os"`
	Dist     string       `yaml:"dist"`
	Env      rootEnv      `yaml:"env"`
	Stages   []Stage      `yaml:"stages"`
	Jobs     *jobsSection `yaml:"jobs"`
	Matrix   *jobsSection `yaml:"matrix"`

	Lifecycle `yaml:",inline"`
}

// ParsePipeline parses YAML content into a resolved Descriptor.
func ParsePipeline(data []byte) (*Descriptor, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml parse error: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, &ValidationError{Problems: []string{"pipeline is empty"}}
	}

	var raw rawDescriptor
	if err := doc.Decode(&raw); err != nil {
		return nil, fmt.Errorf("yaml decode error: %w", err)
	}

	verr := &ValidationError{}
	d := &Descriptor{
		Language:  raw.Language,
		OS:        raw.OS,
		Dist:      raw.Dist,
		GlobalEnv: raw.Env.Global,
		MatrixEnv: raw.Env.Matrix,
		Defaults:  raw.Lifecycle,
	}

	section := raw.Jobs
	if section == nil {
		section = raw.Matrix
	}
	if section != nil && len(section.Include) > 0 {
		d.Jobs = resolveIncluded(raw, section, verr)
	} else {
		d.Jobs = expandMatrix(raw)
	}

	if len(d.Jobs) == 0 && len(verr.Problems) == 0 {
		verr.add("no jobs defined")
	}
	d.Stages = resolveStages(raw.Stages, d.Jobs, verr)

	for i := range d.Jobs {
		j := &d.Jobs[i]
		if j.If != "" {
			cond, err := condition.Parse(j.If)
			if err != nil {
				verr.add("job %s: %v", j.ID(), err)
			}
			j.cond = cond
		}
		if j.Lifecycle.Empty() {
			verr.add("job %s (%s): no commands", j.ID(), j.DisplayName())
		}
	}

	if len(verr.Problems) > 0 {
		return nil, verr
	}
	return d, nil
}

// LoadPipeline reads a descriptor file and parses it.
func LoadPipeline(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := ParsePipeline(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func resolveIncluded(raw rawDescriptor, section *jobsSection, verr *ValidationError) []Job {
	var (
		jobs   []Job
		byName = map[string]Job{}
		stage  = DefaultStage
	)
	for i := range section.Include {
		number := i + 1
		j, err := decodeJob(&section.Include[i], 0)
		if err != nil {
			verr.add("job %d: %v", number, err)
			continue
		}
		if j.Extends != "" {
			tpl, ok := byName[j.Extends]
			if !ok {
				verr.add("job %d: %v %q", number, ErrUnknownTemplate, j.Extends)
				continue
			}
			j = tpl.Extend(j)
		}

		j.Number = number
		j.Lifecycle = raw.Lifecycle.Overlay(j.Lifecycle)
		if j.Stage == "" {
			j.Stage = stage
		}
		stage = j.Stage
		if j.OS == "" && len(raw.OS) > 0 {
			j.OS = raw.OS[0]
		}
		if j.MatrixEnv == nil && len(raw.Env.Matrix) > 0 {
			j.MatrixEnv = raw.Env.Matrix[0]
		}
		// Templates are registered fully resolved so that extending jobs
		// inherit the stage, os and matrix env the template ended up with.
		if j.Name != "" {
			byName[j.Name] = j
		}
		for _, m := range section.AllowFailures {
			if m.matches(j) {
				j.AllowFailure = true
			}
		}
		jobs = append(jobs, j)
	}
	return jobs
}

// expandMatrix builds the implicit test jobs of a descriptor without
// jobs.include: one per os and env matrix entry.
func expandMatrix(raw rawDescriptor) []Job {
	if raw.Lifecycle.Empty() {
		return nil
	}
	oses := []string(raw.OS)
	if len(oses) == 0 {
		oses = []string{""}
	}
	matrix := raw.Env.Matrix
	if len(matrix) == 0 {
		matrix = []EnvVars{nil}
	}
	var jobs []Job
	for _, osName := range oses {
		for _, env := range matrix {
			jobs = append(jobs, Job{
				Number:    len(jobs) + 1,
				Stage:     DefaultStage,
				OS:        osName,
				MatrixEnv: env,
				Lifecycle: raw.Lifecycle,
			})
		}
	}
	return jobs
}

// decodeJob decodes one job mapping, resolving YAML merge keys itself so
// that env merges key by key instead of being replaced.
func decodeJob(n *yaml.Node, depth int) (Job, error) {
	if depth > maxTemplateDepth {
		return Job{}, ErrTemplateCycle
	}
	if n.Kind == yaml.AliasNode {
		return decodeJob(n.Alias, depth+1)
	}
	if n.Kind != yaml.MappingNode {
		return Job{}, fmt.Errorf("line %d: job must be a mapping", n.Line)
	}

	own := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Line: n.Line, Column: n.Column}
	var templates []*yaml.Node
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if k.Kind == yaml.ScalarNode && k.Value == "<<" {
			if v.Kind == yaml.SequenceNode {
				templates = append(templates, v.Content...)
			} else {
				templates = append(templates, v)
			}
			continue
		}
		own.Content = append(own.Content, k, v)
	}

	// Earlier entries of a merge sequence take precedence.
	var base Job
	for i := len(templates) - 1; i >= 0; i-- {
		tpl, err := decodeJob(templates[i], depth+1)
		if err != nil {
			return Job{}, err
		}
		base = base.Extend(tpl)
	}

	var j Job
	if err := own.Decode(&j); err != nil {
		return Job{}, fmt.Errorf("line %d: %w", n.Line, err)
	}
	return base.Extend(j), nil
}

func resolveStages(declared []Stage, jobs []Job, verr *ValidationError) []Stage {
	seen := map[string]bool{}
	var stages []Stage
	for _, s := range declared {
		if s.Name == "" {
			verr.add("stage without a name")
			continue
		}
		if seen[s.Name] {
			verr.add("stage %q declared twice", s.Name)
			continue
		}
		seen[s.Name] = true
		if s.If != "" {
			cond, err := condition.Parse(s.If)
			if err != nil {
				verr.add("stage %q: %v", s.Name, err)
			}
			s.cond = cond
		}
		stages = append(stages, s)
	}
	for _, j := range jobs {
		if !seen[j.Stage] {
			seen[j.Stage] = true
			stages = append(stages, Stage{Name: j.Stage})
		}
	}
	return stages
}
