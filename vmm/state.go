package vmm

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bobuhiro11/dwcotg/otg"
)

const stateVersion = 1

var errStateVersion = errors.New("unsupported state file version")

// stateFile is the on-disk form of a saved controller.
type stateFile struct {
	Version int
	Regs    otg.State
}

// SaveState writes s to path with gob. The file is replaced atomically.
func SaveState(path string, s *otg.State) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(&stateFile{Version: stateVersion, Regs: *s}); err != nil {
		tmp.Close()

		return fmt.Errorf("encode state: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	return nil
}

// LoadState reads a state saved by SaveState.
func LoadState(path string) (*otg.State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	defer f.Close()

	var sf stateFile
	if err := gob.NewDecoder(f).Decode(&sf); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}

	if sf.Version != stateVersion {
		return nil, fmt.Errorf("%w: %d", errStateVersion, sf.Version)
	}

	return &sf.Regs, nil
}
