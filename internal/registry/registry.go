package registry

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"runbox/internal/sandbox/spec"
	appErr "runbox/pkg/errors"
)

// Registry resolves language keys to descriptors. It is immutable after
// construction; one instance is shared by all workers.
type Registry struct {
	byKey map[string]Language
	byID  map[int]Language
	order []string
}

// New builds a registry from the given catalog.
func New(languages []Language) *Registry {
	r := &Registry{
		byKey: make(map[string]Language, len(languages)),
		byID:  make(map[int]Language, len(languages)),
	}
	for _, lang := range languages {
		key := strings.ToLower(lang.Key)
		if _, ok := r.byKey[key]; ok {
			continue
		}
		r.byKey[key] = lang
		if lang.ID > 0 {
			r.byID[lang.ID] = lang
		}
		r.order = append(r.order, key)
	}
	return r
}

// NewBuiltin builds a registry with the builtin catalog.
func NewBuiltin() *Registry { return New(Builtin()) }

// Lookup resolves a language key, or a numeric language id, to its
// descriptor.
func (r *Registry) Lookup(key string) (Language, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if lang, ok := r.byKey[key]; ok {
		return lang, nil
	}
	if id, err := strconv.Atoi(key); err == nil {
		if lang, ok := r.byID[id]; ok {
			return lang, nil
		}
	}
	return Language{}, appErr.Newf(appErr.LanguageNotSupported, "unsupported language: %s", key)
}

// Defaults returns the default resource limits for a language key. Unknown
// keys fall back to the catalog-wide defaults so the result is never empty.
func (r *Registry) Defaults(key string) spec.ResourceLimits {
	if lang, err := r.Lookup(key); err == nil {
		return lang.DefaultLimits
	}
	return defaultLimits
}

// Languages returns the catalog in registration order.
func (r *Registry) Languages() []Language {
	out := make([]Language, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.byKey[key])
	}
	return out
}

var javaClassRe = regexp.MustCompile(`(?m)public\s+(?:final\s+|abstract\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)

// classNameFor derives the run target from the source. When the detection
// rule does not match, the canonical "Main" is used.
func classNameFor(lang Language, source string) string {
	if !lang.DeriveClassName {
		return ""
	}
	if m := javaClassRe.FindStringSubmatch(source); m != nil {
		return m[1]
	}
	return "Main"
}

// SourceFileFor returns the file name the source must be staged under.
func SourceFileFor(lang Language, source string) string {
	if class := classNameFor(lang, source); class != "" {
		return class + ".java"
	}
	return lang.SourceFileName
}

// outputNameFor is the compile artifact referenced by {output}.
func outputNameFor(lang Language) string {
	for _, name := range lang.ArtifactNames {
		if !strings.ContainsRune(name, '*') {
			return name
		}
	}
	return "main"
}

// CompileArgv expands the compile template into an argv vector.
func CompileArgv(lang Language, source, compilerOptions string) ([]string, error) {
	if !lang.Compiled() {
		return nil, nil
	}
	return expandTemplate(lang.CompileCmd, templateVars{
		file:            SourceFileFor(lang, source),
		output:          outputNameFor(lang),
		classname:       classNameFor(lang, source),
		compilerOptions: compilerOptions,
	})
}

// RunArgv expands the run template into an argv vector.
func RunArgv(lang Language, source, args string) ([]string, error) {
	return expandTemplate(lang.RunCmd, templateVars{
		file:      SourceFileFor(lang, source),
		output:    outputNameFor(lang),
		classname: classNameFor(lang, source),
		args:      args,
	})
}

type templateVars struct {
	file            string
	output          string
	classname       string
	args            string
	compilerOptions string
}

// expandTemplate substitutes placeholders, then tokenizes with shlex so the
// result is passed as a vector, never through a shell. {args} and
// {compiler_options} are tokenized as part of the whole template, so quoted
// arguments survive.
func expandTemplate(tpl string, vars templateVars) ([]string, error) {
	expanded := tpl
	expanded = strings.ReplaceAll(expanded, "{file}", vars.file)
	expanded = strings.ReplaceAll(expanded, "{output}", vars.output)
	expanded = strings.ReplaceAll(expanded, "{classname}", vars.classname)
	expanded = strings.ReplaceAll(expanded, "{args}", vars.args)
	expanded = strings.ReplaceAll(expanded, "{compiler_options}", vars.compilerOptions)

	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}
