package actioncache

import (
	"testing"
	"time"

	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

func TestFingerprintStability(t *testing.T) {
	base := func() *Action {
		return &Action{
			Argv:    []string{"cc", "-c", "main.c"},
			Env:     map[string]string{"PATH": "/usr/bin", "LANG": "C"},
			Inputs:  depset.MustLeaf(depset.File("main.c", digest.FromString("int main;"), false)),
			Outputs: []string{"main.o", "main.d"},
		}
	}
	want := base().Fingerprint()

	same := []struct {
		name   string
		mutate func(a *Action)
	}{
		{name: "name ignored", mutate: func(a *Action) { a.Name = "compile" }},
		{name: "timeout ignored", mutate: func(a *Action) { a.Timeout = time.Minute }},
		{name: "output order", mutate: func(a *Action) { a.Outputs = []string{"main.d", "main.o"} }},
		{name: "env insertion order", mutate: func(a *Action) {
			a.Env = map[string]string{"LANG": "C", "PATH": "/usr/bin"}
		}},
	}
	for _, tt := range same {
		t.Run(tt.name, func(t *testing.T) {
			a := base()
			tt.mutate(a)
			if got := a.Fingerprint(); got != want {
				t.Errorf("expected fingerprint %s, got %s", want.Short(), got.Short())
			}
		})
	}

	different := []struct {
		name   string
		mutate func(a *Action)
	}{
		{name: "argv", mutate: func(a *Action) { a.Argv = []string{"cc", "-O2", "-c", "main.c"} }},
		{name: "argv split", mutate: func(a *Action) { a.Argv = []string{"cc -c", "main.c"} }},
		{name: "env value", mutate: func(a *Action) { a.Env["LANG"] = "en_US" }},
		{name: "workdir", mutate: func(a *Action) { a.WorkDir = "src" }},
		{name: "inputs", mutate: func(a *Action) {
			a.Inputs = depset.MustLeaf(depset.File("main.c", digest.FromString("int main();"), false))
		}},
		{name: "outputs", mutate: func(a *Action) { a.Outputs = []string{"main.o"} }},
		{name: "optional outputs", mutate: func(a *Action) { a.Policy.OptionalOutputs = []string{"main.d"} }},
		{name: "network", mutate: func(a *Action) { a.Network = true }},
	}
	for _, tt := range different {
		t.Run(tt.name, func(t *testing.T) {
			a := base()
			tt.mutate(a)
			if a.Fingerprint() == want {
				t.Error("expected a different fingerprint")
			}
		})
	}
}

func TestActionValidate(t *testing.T) {
	inputs := depset.Empty()
	tests := []struct {
		name     string
		action   Action
		wantCode string
	}{
		{name: "valid", action: Action{Argv: []string{"true"}, Inputs: inputs, Outputs: []string{"out"}}},
		{name: "empty argv", action: Action{Inputs: inputs}, wantCode: execerr.ErrCodeValidation},
		{name: "nil inputs", action: Action{Argv: []string{"true"}}, wantCode: execerr.ErrCodeValidation},
		{name: "absolute output", action: Action{Argv: []string{"true"}, Inputs: inputs, Outputs: []string{"/etc/passwd"}}, wantCode: execerr.ErrCodeInvalidPath},
		{name: "escaping output", action: Action{Argv: []string{"true"}, Inputs: inputs, Outputs: []string{"../x"}}, wantCode: execerr.ErrCodeInvalidPath},
		{name: "duplicate output", action: Action{Argv: []string{"true"}, Inputs: inputs, Outputs: []string{"a", "a"}}, wantCode: execerr.ErrCodeDuplicatePath},
		{name: "undeclared optional", action: Action{Argv: []string{"true"}, Inputs: inputs, Policy: CachePolicy{OptionalOutputs: []string{"x"}}}, wantCode: execerr.ErrCodeValidation},
		{name: "bad env name", action: Action{Argv: []string{"true"}, Inputs: inputs, Env: map[string]string{"A=B": "c"}}, wantCode: execerr.ErrCodeValidation},
		{name: "bad workdir", action: Action{Argv: []string{"true"}, Inputs: inputs, WorkDir: "/abs"}, wantCode: execerr.ErrCodeInvalidPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			e, ok := execerr.As(err)
			if !ok || e.Kind != execerr.KindInvalidEntry {
				t.Fatalf("expected InvalidEntry, got %v", err)
			}
			if e.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, e.Code)
			}
		})
	}
}

func TestOutputPathHonorsWorkDir(t *testing.T) {
	a := &Action{WorkDir: "pkg/lib"}
	if got := a.OutputPath("out.o"); got != "pkg/lib/out.o" {
		t.Errorf("expected pkg/lib/out.o, got %s", got)
	}
	a.WorkDir = ""
	if got := a.OutputPath("out.o"); got != "out.o" {
		t.Errorf("expected out.o, got %s", got)
	}
}
