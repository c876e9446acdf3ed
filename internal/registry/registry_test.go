package registry

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	appErr "runbox/pkg/errors"
)

func TestLookupByKeyAndID(t *testing.T) {
	r := NewBuiltin()

	lang, err := r.Lookup("PYTHON")
	if err != nil {
		t.Fatalf("lookup python: %v", err)
	}
	if lang.Key != "python" {
		t.Fatalf("expected python, got %s", lang.Key)
	}

	lang, err = r.Lookup("62")
	if err != nil {
		t.Fatalf("lookup by id: %v", err)
	}
	if lang.Key != "java" {
		t.Fatalf("expected java for id 62, got %s", lang.Key)
	}

	if _, err := r.Lookup("cobol"); !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
}

func TestDefaultsNeverEmpty(t *testing.T) {
	r := NewBuiltin()
	limits := r.Defaults("nope")
	if limits.CPUTime <= 0 || limits.MemoryKB <= 0 || limits.WallTime <= 0 {
		t.Fatalf("fallback defaults are empty: %+v", limits)
	}
}

func TestJavaClassNameDerivation(t *testing.T) {
	r := NewBuiltin()
	java, err := r.Lookup("java")
	if err != nil {
		t.Fatalf("lookup java: %v", err)
	}

	source := "public class Solution { public static void main(String[] a){ System.out.println(42);} }"
	if got := SourceFileFor(java, source); got != "Solution.java" {
		t.Fatalf("expected Solution.java, got %s", got)
	}

	argv, err := RunArgv(java, source, "")
	if err != nil {
		t.Fatalf("run argv: %v", err)
	}
	want := []string{"java", "Solution"}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("expected %v, got %v", want, argv)
	}

	// No public class declaration falls back to Main.
	if got := SourceFileFor(java, "class foo {}"); got != "Main.java" {
		t.Fatalf("expected Main.java fallback, got %s", got)
	}
}

func TestCompileArgvExpansion(t *testing.T) {
	r := NewBuiltin()
	cpp, err := r.Lookup("cpp")
	if err != nil {
		t.Fatalf("lookup cpp: %v", err)
	}

	argv, err := CompileArgv(cpp, "int main(){}", "-DWITH_FOO")
	if err != nil {
		t.Fatalf("compile argv: %v", err)
	}
	want := []string{"g++", "-std=c++17", "-O2", "-DWITH_FOO", "main.cpp", "-o", "main"}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("expected %v, got %v", want, argv)
	}

	// Empty compiler options collapse cleanly.
	argv, err = CompileArgv(cpp, "int main(){}", "")
	if err != nil {
		t.Fatalf("compile argv: %v", err)
	}
	want = []string{"g++", "-std=c++17", "-O2", "main.cpp", "-o", "main"}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("expected %v, got %v", want, argv)
	}
}

func TestRunArgvQuotedArguments(t *testing.T) {
	r := NewBuiltin()
	py, err := r.Lookup("python")
	if err != nil {
		t.Fatalf("lookup python: %v", err)
	}
	argv, err := RunArgv(py, "print(1)", `--name "John Doe"`)
	if err != nil {
		t.Fatalf("run argv: %v", err)
	}
	want := []string{"python3", "main.py", "--name", "John Doe"}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("expected %v, got %v", want, argv)
	}
}

func TestPrepareWorkspace(t *testing.T) {
	r := NewBuiltin()
	py, _ := r.Lookup("python")
	root := t.TempDir()

	ws, err := PrepareWorkspace(root, py, "print(input())", "hello", nil)
	if err != nil {
		t.Fatalf("prepare workspace: %v", err)
	}
	defer ws.Remove()

	source, err := os.ReadFile(filepath.Join(ws.Path, "main.py"))
	if err != nil {
		t.Fatalf("read staged source: %v", err)
	}
	if string(source) != "print(input())" {
		t.Fatalf("staged source mismatch: %q", source)
	}

	stdin, err := os.ReadFile(ws.StdinPath)
	if err != nil {
		t.Fatalf("read stdin file: %v", err)
	}
	if string(stdin) != "hello" {
		t.Fatalf("stdin mismatch: %q", stdin)
	}

	if err := ws.Remove(); err != nil {
		t.Fatalf("remove workspace: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Fatalf("workspace still present after Remove")
	}
}

func TestPrepareWorkspaceExpandsArchive(t *testing.T) {
	r := NewBuiltin()
	py, _ := r.Lookup("python")
	root := t.TempDir()

	archive := buildZip(t, map[string]string{
		"data/config.txt": "key=value",
		"helper.py":       "X = 1",
	})

	ws, err := PrepareWorkspace(root, py, "print(1)", "", archive)
	if err != nil {
		t.Fatalf("prepare workspace: %v", err)
	}
	defer ws.Remove()

	content, err := os.ReadFile(filepath.Join(ws.Path, "data", "config.txt"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(content) != "key=value" {
		t.Fatalf("extracted content mismatch: %q", content)
	}
	if len(ws.ExtraNames) != 2 {
		t.Fatalf("expected 2 extra names, got %v", ws.ExtraNames)
	}
}

func TestPrepareWorkspaceRejectsZipSlip(t *testing.T) {
	r := NewBuiltin()
	py, _ := r.Lookup("python")
	root := t.TempDir()

	archive := buildZip(t, map[string]string{"../escape.txt": "nope"})

	_, err := PrepareWorkspace(root, py, "print(1)", "", archive)
	if !appErr.Is(err, appErr.InvalidArchive) {
		t.Fatalf("expected InvalidArchive, got %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed preparation left %d entries behind", len(entries))
	}
}

func TestDecodeArchive(t *testing.T) {
	raw := buildZip(t, map[string]string{"a.txt": "a"})
	decoded, err := DecodeArchive(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Fatalf("decoded bytes mismatch")
	}

	if _, err := DecodeArchive("%%%not-base64%%%"); !appErr.Is(err, appErr.InvalidArchive) {
		t.Fatalf("expected InvalidArchive, got %v", err)
	}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}
