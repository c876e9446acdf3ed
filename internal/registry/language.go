// Package registry maps language keys to toolchain descriptors and prepares
// per-submission workspaces.
package registry

import "runbox/internal/sandbox/spec"

// Language describes one toolchain: how to name the source file, how to
// compile (optionally) and run it, and the default resource limits.
type Language struct {
	Key     string `json:"key"`
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`

	// SourceFileName is the canonical file name, e.g. "main.cpp". For
	// languages with DeriveClassName the actual name is computed from the
	// source.
	SourceFileName string `json:"sourceFileName"`

	// CompileCmd and RunCmd are argv templates expanded immediately
	// before invocation. Supported placeholders: {file}, {output},
	// {classname}, {args}, {compiler_options}. No shell is involved.
	CompileCmd string `json:"compileCmd,omitempty"`
	RunCmd     string `json:"runCmd"`

	// DeriveClassName inspects the source for a `public class X`
	// declaration and names the file and run target after it.
	DeriveClassName bool `json:"deriveClassName,omitempty"`

	// ArtifactNames are compile outputs preserved for the run step.
	ArtifactNames []string `json:"artifactNames,omitempty"`

	RequiresNetworkForBuild bool `json:"requiresNetworkForBuild,omitempty"`

	DefaultLimits spec.ResourceLimits `json:"defaultLimits"`
}

// Compiled reports whether this language has a compile step.
func (l Language) Compiled() bool { return l.CompileCmd != "" }

// defaultLimits is applied to every builtin language unless overridden.
var defaultLimits = spec.ResourceLimits{
	CPUTime:      5.0,
	CPUExtraTime: 0.5,
	WallTime:     10.0,
	MemoryKB:     256 * 1024,
	StackKB:      64 * 1024,
	MaxFileKB:    1024,
	MaxProcesses: 64,
}

// Builtin returns the mandatory language catalog. The numeric ids follow the
// Judge0 convention so existing clients keep working.
func Builtin() []Language {
	return []Language{
		{
			Key: "python", ID: 71, Name: "Python 3",
			SourceFileName: "main.py",
			RunCmd:         "python3 {file} {args}",
			DefaultLimits:  defaultLimits,
		},
		{
			Key: "javascript", ID: 63, Name: "JavaScript (Node.js)",
			SourceFileName: "main.js",
			RunCmd:         "node {file} {args}",
			DefaultLimits:  defaultLimits,
		},
		{
			Key: "c", ID: 50, Name: "C (GCC)",
			SourceFileName: "main.c",
			CompileCmd:     "gcc -std=c17 -O2 {compiler_options} -lm {file} -o {output}",
			RunCmd:         "./{output} {args}",
			ArtifactNames:  []string{"main"},
			DefaultLimits:  defaultLimits,
		},
		{
			Key: "cpp", ID: 54, Name: "C++ (GCC)",
			SourceFileName: "main.cpp",
			CompileCmd:     "g++ -std=c++17 -O2 {compiler_options} {file} -o {output}",
			RunCmd:         "./{output} {args}",
			ArtifactNames:  []string{"main"},
			DefaultLimits:  defaultLimits,
		},
		{
			Key: "go", ID: 60, Name: "Go",
			SourceFileName:          "main.go",
			RunCmd:                  "go run {file} {args}",
			RequiresNetworkForBuild: false,
			DefaultLimits: spec.ResourceLimits{
				CPUTime:      5.0,
				CPUExtraTime: 0.5,
				WallTime:     15.0,
				MemoryKB:     512 * 1024,
				StackKB:      64 * 1024,
				MaxFileKB:    1024,
				MaxProcesses: 128,
			},
		},
		{
			Key: "rust", ID: 73, Name: "Rust",
			SourceFileName: "main.rs",
			CompileCmd:     "rustc -O {compiler_options} {file} -o {output}",
			RunCmd:         "./{output} {args}",
			ArtifactNames:  []string{"main"},
			DefaultLimits:  defaultLimits,
		},
		{
			Key: "java", ID: 62, Name: "Java (OpenJDK)",
			SourceFileName:  "Main.java",
			CompileCmd:      "javac {compiler_options} {file}",
			RunCmd:          "java {classname} {args}",
			DeriveClassName: true,
			ArtifactNames:   []string{"*.class"},
			DefaultLimits: spec.ResourceLimits{
				CPUTime:      5.0,
				CPUExtraTime: 1.0,
				WallTime:     15.0,
				MemoryKB:     512 * 1024,
				StackKB:      64 * 1024,
				MaxFileKB:    1024,
				MaxProcesses: 128,
			},
		},
	}
}
