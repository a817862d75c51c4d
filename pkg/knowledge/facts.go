package knowledge

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/cosmix/loom/pkg/types"
)

// FactsStore persists the shared key -> Fact map at <work>/facts.toml.
type FactsStore struct {
	path string
}

// NewFactsStore returns a FactsStore at <workDir>/facts.toml.
func NewFactsStore(workDir string) *FactsStore {
	return &FactsStore{path: filepath.Join(workDir, "facts.toml")}
}

// Load reads the facts file, returning an empty map if it does not exist.
func (f *FactsStore) Load() (map[string]types.Fact, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]types.Fact{}, nil
	}
	if err != nil {
		return nil, &types.FilesystemError{Op: "read", Path: f.path, Underlying: err}
	}

	facts := map[string]types.Fact{}
	if err := toml.Unmarshal(data, &facts); err != nil {
		return nil, err
	}
	return facts, nil
}

// Set upserts a fact and persists the full store atomically.
func (f *FactsStore) Set(key string, fact types.Fact) error {
	facts, err := f.Load()
	if err != nil {
		return err
	}
	facts[key] = fact
	return f.save(facts)
}

func (f *FactsStore) save(facts map[string]types.Fact) error {
	data, err := toml.Marshal(facts)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".tmp-facts-*")
	if err != nil {
		return &types.FilesystemError{Op: "create temp", Path: dir, Underlying: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &types.FilesystemError{Op: "write", Path: tmpPath, Underlying: err}
	}
	if err := tmp.Close(); err != nil {
		return &types.FilesystemError{Op: "close", Path: tmpPath, Underlying: err}
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return &types.FilesystemError{Op: "rename", Path: f.path, Underlying: err}
	}
	return nil
}

// ForStage returns every fact owned by stageID plus every high-confidence
// fact from other stages — the filtered set embedded into that stage's
// signal.
func (f *FactsStore) ForStage(stageID string) ([]types.Fact, error) {
	facts, err := f.Load()
	if err != nil {
		return nil, err
	}
	var out []types.Fact
	for _, fact := range facts {
		if fact.StageID == stageID || fact.Confidence == types.ConfidenceHigh {
			out = append(out, fact)
		}
	}
	return out, nil
}
