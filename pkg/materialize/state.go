package materialize

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

// rootState records the DepSet last committed to a root. It is stored
// outside the root so the root holds only declared entries.
type rootState struct {
	Root      string             `json:"root"`
	Hash      digest.Digest      `json:"hash"`
	Entries   []depset.FileEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// loadState returns the recorded state and whether the root can be updated
// incrementally: state exists, no dirty marker, and the root exists.
func (m *Materializer) loadState(key, target string) (*rootState, bool) {
	if _, err := os.Lstat(key + dirtyFileExt); err == nil {
		m.logger.Warn().Str("root", target).Msg("root has an uncommitted update, rebuilding")
		return nil, false
	}
	data, err := os.ReadFile(key + stateFileExt)
	if err != nil {
		return nil, false
	}
	var st rootState
	if err := json.Unmarshal(data, &st); err != nil || st.Root != target {
		return nil, false
	}
	if fi, err := os.Lstat(target); err != nil || !fi.IsDir() {
		return nil, false
	}
	return &st, true
}

func writeState(key string, st *rootState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return execerr.NewFilesystemError("failed to encode root state", err)
	}
	tmp := key + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return execerr.NewFilesystemError("failed to write root state", err)
	}
	if err := os.Rename(tmp, key+stateFileExt); err != nil {
		return execerr.NewFilesystemError("failed to commit root state", err)
	}
	return nil
}

func markDirty(key string) error {
	if err := os.WriteFile(key+dirtyFileExt, nil, 0o644); err != nil {
		return execerr.NewFilesystemError("failed to mark root dirty", err)
	}
	return nil
}

func clearDirty(key string) error {
	if err := os.Remove(key + dirtyFileExt); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return execerr.NewFilesystemError("failed to clear dirty marker", err)
	}
	return nil
}

// touchState refreshes the state file's modification time, which GC uses
// as the last-use time.
func touchState(key string) {
	now := time.Now()
	_ = os.Chtimes(key+stateFileExt, now, now)
}
