package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/hermit/pkg/actioncache"
	"github.com/openfroyo/hermit/pkg/cas"
)

// ActionFile is the result of evaluating an action file.
type ActionFile struct {
	Path    string
	Actions []*actioncache.Action

	// Globals holds the file's exported plain values, converted to Go.
	Globals map[string]interface{}

	ExecutionTime time.Duration
}

// StarlarkEvaluator evaluates Starlark action files. Files ingested with
// file() are written to the content store during evaluation.
type StarlarkEvaluator struct {
	store   cas.Store
	timeout time.Duration
	logger  zerolog.Logger
}

// NewStarlarkEvaluator creates a new evaluator. A zero timeout means 30s.
func NewStarlarkEvaluator(store cas.Store, timeout time.Duration, logger zerolog.Logger) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		store:   store,
		timeout: timeout,
		logger:  logger.With().Str("component", "actions").Logger(),
	}
}

// EvaluateFile evaluates the action file at path. Relative src arguments
// to file() resolve against the file's directory.
func (se *StarlarkEvaluator) EvaluateFile(ctx context.Context, path string, vars map[string]interface{}) (*ActionFile, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read action file: %w", err)
	}
	return se.Evaluate(ctx, path, string(src), vars)
}

// Evaluate evaluates script. vars is exposed to the script as the dict
// "vars".
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, vars map[string]interface{}) (*ActionFile, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "hermit",
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.Info().Str("file", filename).Msg(msg)
		},
	}

	type outcome struct {
		file *ActionFile
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		file, err := se.evaluateSync(evalCtx, thread, filename, script, vars)
		done <- outcome{file, err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("evaluation canceled")
		<-done
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("evaluation of %s timed out after %v", filename, se.timeout)
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		out.file.ExecutionTime = time.Since(startTime)
		se.logger.Debug().
			Str("file", filename).
			Int("actions", len(out.file.Actions)).
			Dur("duration", out.file.ExecutionTime).
			Msg("Action file evaluated")
		return out.file, nil
	}
}

// evaluateSync performs the actual Starlark evaluation synchronously.
func (se *StarlarkEvaluator) evaluateSync(ctx context.Context, thread *starlark.Thread, filename, script string, vars map[string]interface{}) (*ActionFile, error) {
	b := &builder{
		ctx:    ctx,
		store:  se.store,
		dir:    filepath.Dir(filename),
		byName: make(map[string]bool),
	}

	varsDict, err := toStarlarkValue(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to convert vars: %w", err)
	}
	if varsDict == starlark.None {
		varsDict = starlark.NewDict(0)
	}

	predeclared := starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"vars":      varsDict,
		"file":      starlark.NewBuiltin("file", b.file),
		"symlink":   starlark.NewBuiltin("symlink", b.symlink),
		"directory": starlark.NewBuiltin("directory", b.directory),
		"depset":    starlark.NewBuiltin("depset", b.depset),
		"action":    starlark.NewBuiltin("action", b.action),
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return nil, fmt.Errorf("failed to evaluate %s: %s", filename, evalErr.Backtrace())
		}
		return nil, fmt.Errorf("failed to evaluate %s: %w", filename, err)
	}

	out := make(map[string]interface{})
	for name, val := range globals {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		// Only plain data is exported; functions and store values are not.
		if goVal, err := fromStarlarkValue(val); err == nil {
			out[name] = goVal
		}
	}

	return &ActionFile{Path: filename, Actions: b.actions, Globals: out}, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, s := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(s)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, elem := range val {
			item, err := fromStarlarkValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// stringMap converts a dict of strings.
func stringMap(fn string, v starlark.Value) (map[string]string, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	m, ok := goVal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: want dict, got %s", fn, v.Type())
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("%s: value of %q must be a string", fn, k)
		}
		out[k] = s
	}
	return out, nil
}

// stringList converts a list or tuple of strings.
func stringList(fn string, v starlark.Value) ([]string, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s: want list of strings, got %s", fn, v.Type())
	}
	it := iterable.Iterate()
	defer it.Done()

	var out []string
	var x starlark.Value
	for it.Next(&x) {
		s, ok := starlark.AsString(x)
		if !ok {
			return nil, fmt.Errorf("%s: want string, got %s", fn, x.Type())
		}
		out = append(out, s)
	}
	return out, nil
}

// intList converts a list of ints.
func intList(fn string, v starlark.Value) ([]int, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	list, ok := v.(*starlark.List)
	if !ok {
		return nil, fmt.Errorf("%s: want list of ints, got %s", fn, v.Type())
	}
	out := make([]int, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		var n int
		if err := starlark.AsInt(list.Index(i), &n); err != nil {
			return nil, fmt.Errorf("%s: %w", fn, err)
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}
