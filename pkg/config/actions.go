package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.starlark.net/starlark"

	"github.com/openfroyo/hermit/pkg/actioncache"
	"github.com/openfroyo/hermit/pkg/cas"
	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
)

// entryValue is a single file entry in an action file.
type entryValue struct {
	entry depset.FileEntry
}

var _ starlark.HasAttrs = entryValue{}

func (e entryValue) String() string {
	switch e.entry.Kind {
	case depset.KindSymlink:
		return fmt.Sprintf("symlink(%q, %q)", e.entry.Path, e.entry.Target)
	case depset.KindDirectory:
		return fmt.Sprintf("directory(%q)", e.entry.Path)
	}
	return fmt.Sprintf("file(%q, %s)", e.entry.Path, e.entry.Digest.Short())
}
func (e entryValue) Type() string          { return "entry" }
func (e entryValue) Freeze()               {}
func (e entryValue) Truth() starlark.Bool  { return starlark.True }
func (e entryValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: entry") }

func (e entryValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "path":
		return starlark.String(e.entry.Path), nil
	case "kind":
		return starlark.String(string(e.entry.Kind)), nil
	case "digest":
		if e.entry.Digest.IsZero() {
			return starlark.None, nil
		}
		return starlark.String(e.entry.Digest.String()), nil
	}
	return nil, nil
}

func (e entryValue) AttrNames() []string { return []string{"digest", "kind", "path"} }

// depsetValue is an immutable DepSet in an action file.
type depsetValue struct {
	ds *depset.DepSet
}

var _ starlark.HasAttrs = depsetValue{}

func (d depsetValue) String() string        { return "depset(" + d.ds.Hash().Short() + ")" }
func (d depsetValue) Type() string          { return "depset" }
func (d depsetValue) Freeze()               {}
func (d depsetValue) Truth() starlark.Bool  { return starlark.Bool(!d.ds.IsEmpty()) }
func (d depsetValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: depset") }

func (d depsetValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "hash":
		return starlark.String(d.ds.Hash().String()), nil
	case "size":
		return starlark.MakeInt(d.ds.Len()), nil
	}
	return nil, nil
}

func (d depsetValue) AttrNames() []string { return []string{"hash", "size"} }

// builder implements the action file builtins.
type builder struct {
	ctx     context.Context
	store   cas.Store
	dir     string
	actions []*actioncache.Action
	byName  map[string]bool
}

// file(path, src=None, content=None, executable=False)
func (b *builder) file(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		path       string
		src        starlark.Value = starlark.None
		content    starlark.Value = starlark.None
		executable bool
	)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"path", &path, "src?", &src, "content?", &content, "executable?", &executable); err != nil {
		return nil, err
	}

	var d digest.Digest
	switch {
	case src != starlark.None && content != starlark.None:
		return nil, fmt.Errorf("%s: src and content are mutually exclusive", fn.Name())

	case content != starlark.None:
		text, ok := starlark.AsString(content)
		if !ok {
			return nil, fmt.Errorf("%s: content must be a string", fn.Name())
		}
		var err error
		if d, err = cas.PutBytes(b.ctx, b.store, []byte(text)); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}

	case src != starlark.None:
		name, ok := starlark.AsString(src)
		if !ok {
			return nil, fmt.Errorf("%s: src must be a string", fn.Name())
		}
		if !filepath.IsAbs(name) {
			name = filepath.Join(b.dir, name)
		}
		info, err := os.Stat(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%s: %s is not a regular file", fn.Name(), name)
		}
		stored, err := cas.PutFile(b.ctx, b.store, name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		d = stored.Digest
		executable = executable || info.Mode().Perm()&0o111 != 0

	default:
		return nil, fmt.Errorf("%s: one of src or content is required", fn.Name())
	}

	e := depset.File(path, d, executable)
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return entryValue{e}, nil
}

// symlink(path, target)
func (b *builder) symlink(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path, target string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path, "target", &target); err != nil {
		return nil, err
	}
	e := depset.Symlink(path, target)
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return entryValue{e}, nil
}

// directory(path)
func (b *builder) directory(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	e := depset.Directory(path)
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return entryValue{e}, nil
}

// depset(*items, mount="", filter="", patterns=[])
//
// Consecutive entries form one leaf; depset arguments are merged in
// argument order, so later items win. mount re-roots the result and
// filter keeps only entries under a prefix matching patterns.
func (b *builder) depset(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		mount    string
		prefix   string
		patterns starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(fn.Name(), nil, kwargs,
		"mount?", &mount, "filter?", &prefix, "patterns?", &patterns); err != nil {
		return nil, err
	}

	var (
		children []*depset.DepSet
		pending  []depset.FileEntry
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		leaf, err := depset.Leaf(pending)
		if err != nil {
			return err
		}
		children = append(children, leaf)
		pending = nil
		return nil
	}

	var add func(v starlark.Value) error
	add = func(v starlark.Value) error {
		switch x := v.(type) {
		case entryValue:
			pending = append(pending, x.entry)
		case depsetValue:
			if err := flush(); err != nil {
				return err
			}
			children = append(children, x.ds)
		case *starlark.List:
			for i := 0; i < x.Len(); i++ {
				if err := add(x.Index(i)); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("want entry, depset or list, got %s", v.Type())
		}
		return nil
	}
	for _, arg := range args {
		if err := add(arg); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
	}
	if err := flush(); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}

	ds := depset.Merge(children...)
	var err error
	if prefix != "" || patterns != starlark.None {
		pats, err := stringList(fn.Name()+": patterns", patterns)
		if err != nil {
			return nil, err
		}
		if ds, err = depset.Filter(ds, prefix, pats...); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
	}
	if mount != "" {
		if ds, err = depset.MergeAt(mount, ds); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
	}
	return depsetValue{ds}, nil
}

// action(name, argv, inputs=None, outputs=[], env={}, workdir="",
// optional_outputs=[], timeout="", network=False, cache_failures=True,
// cacheable_exit_codes=[])
//
// It returns the action's fingerprint.
func (b *builder) action(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name          string
		argv          *starlark.List
		inputs        starlark.Value = starlark.None
		outputs       starlark.Value = starlark.None
		env           starlark.Value = starlark.None
		workdir       string
		optional      starlark.Value = starlark.None
		timeout       string
		network       bool
		cacheFailures = true
		exitCodes     starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"name", &name,
		"argv", &argv,
		"inputs?", &inputs,
		"outputs?", &outputs,
		"env?", &env,
		"workdir?", &workdir,
		"optional_outputs?", &optional,
		"timeout?", &timeout,
		"network?", &network,
		"cache_failures?", &cacheFailures,
		"cacheable_exit_codes?", &exitCodes,
	); err != nil {
		return nil, err
	}

	if name == "" {
		return nil, fmt.Errorf("%s: name is required", fn.Name())
	}
	if b.byName[name] {
		return nil, fmt.Errorf("%s: action %q declared twice", fn.Name(), name)
	}

	a := &actioncache.Action{
		Name:    name,
		WorkDir: workdir,
		Network: network,
		Policy:  actioncache.CachePolicy{CacheFailures: cacheFailures},
	}

	var err error
	if a.Argv, err = stringList(fn.Name()+": argv", argv); err != nil {
		return nil, err
	}
	if a.Outputs, err = stringList(fn.Name()+": outputs", outputs); err != nil {
		return nil, err
	}
	if a.Env, err = stringMap(fn.Name()+": env", env); err != nil {
		return nil, err
	}
	if a.Policy.OptionalOutputs, err = stringList(fn.Name()+": optional_outputs", optional); err != nil {
		return nil, err
	}
	if a.Policy.CacheableExitCodes, err = intList(fn.Name()+": cacheable_exit_codes", exitCodes); err != nil {
		return nil, err
	}
	if timeout != "" {
		if a.Timeout, err = time.ParseDuration(timeout); err != nil {
			return nil, fmt.Errorf("%s: invalid timeout: %w", fn.Name(), err)
		}
	}

	switch in := inputs.(type) {
	case starlark.NoneType:
		a.Inputs = depset.Empty()
	case depsetValue:
		a.Inputs = in.ds
	default:
		return nil, fmt.Errorf("%s: inputs must be a depset, got %s", fn.Name(), inputs.Type())
	}

	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%s %q: %w", fn.Name(), name, err)
	}

	b.byName[name] = true
	b.actions = append(b.actions, a)
	return starlark.String(a.Fingerprint().String()), nil
}
