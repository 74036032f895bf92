// Package workspace provisions the per-request directories that hold
// submitted source files.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// writeFile is swapped in tests to simulate a failing disk.
var writeFile = os.WriteFile

// ErrInvalidFileName is returned by New when the file name is not a single
// path element.
var ErrInvalidFileName = errors.New("workspace: invalid file name")

// Manager creates workspaces under a fixed root directory.
type Manager struct {
	root     string
	fileName string
	newID    func() uuid.UUID
}

// New returns a Manager that creates workspaces below root, each holding
// the submitted code in a file called fileName. The root is expected to
// exist already.
func New(root, fileName string) (*Manager, error) {
	if fileName == "" || fileName == "." || fileName == ".." ||
		strings.ContainsRune(fileName, '/') || strings.ContainsRune(fileName, filepath.Separator) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}
	return &Manager{root: root, fileName: fileName, newID: uuid.New}, nil
}

// Root returns the directory workspaces are created in.
func (m *Manager) Root() string { return m.root }

// Workspace is one provisioned directory. It is owned by a single request.
type Workspace struct {
	ID   uuid.UUID
	Dir  string
	File string
}

// Provision creates a fresh directory named by a random UUID and writes
// code to the configured file inside it. If the write fails the directory
// is removed before returning.
func (m *Manager) Provision(code []byte) (*Workspace, error) {
	id := m.newID()
	dir := filepath.Join(m.root, id.String())

	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}

	file := filepath.Join(dir, m.fileName)
	if err := writeFile(file, code, 0o600); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			err = errors.Join(err, fmt.Errorf("removing partial workspace: %w", rmErr))
		}
		return nil, fmt.Errorf("writing code file: %w", err)
	}

	return &Workspace{ID: id, Dir: dir, File: file}, nil
}

// Destroy removes the workspace directory and everything in it.
func (w *Workspace) Destroy() error {
	if err := os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("removing workspace %s: %w", w.ID, err)
	}
	return nil
}
