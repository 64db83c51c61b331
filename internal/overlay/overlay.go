// Package overlay manages per-node copy-on-write qcow2 disks layered on a
// shared read-only base image.
package overlay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrCreate wraps every failure to produce an overlay.
var ErrCreate = errors.New("overlay: create failed")

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Manager creates overlays in a single directory.
type Manager struct {
	qemuImg   string
	baseImage string
	dir       string
	run       Runner
	logger    *zap.Logger
}

// Opts configures a Manager.
type Opts struct {
	QemuImg   string
	BaseImage string
	Dir       string
	Runner    Runner // defaults to exec
	Logger    *zap.Logger
}

// New returns a Manager. The base image path is made absolute because qcow2
// stores it verbatim as the backing file reference.
func New(opts Opts) (*Manager, error) {
	if opts.BaseImage == "" {
		return nil, fmt.Errorf("overlay: base image is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("overlay: dir is required")
	}
	base, err := filepath.Abs(opts.BaseImage)
	if err != nil {
		return nil, fmt.Errorf("overlay: base image: %w", err)
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("overlay: dir: %w", err)
	}
	if opts.QemuImg == "" {
		opts.QemuImg = "qemu-img"
	}
	if opts.Runner == nil {
		opts.Runner = execRunner
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		qemuImg:   opts.QemuImg,
		baseImage: base,
		dir:       dir,
		run:       opts.Runner,
		logger:    opts.Logger,
	}, nil
}

// EnsureDir creates the overlay directory.
func (m *Manager) EnsureDir() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("overlay: create dir %s: %w", m.dir, err)
	}
	return nil
}

// PathFor returns the overlay path for a node name.
func (m *Manager) PathFor(name string) string {
	return filepath.Join(m.dir, name+".qcow2")
}

// Create builds a fresh overlay for name and returns its path.
func (m *Manager) Create(ctx context.Context, name string) (string, error) {
	if err := m.EnsureDir(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCreate, err)
	}
	path := m.PathFor(name)
	if err := m.Recreate(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

// Recreate replaces the overlay at path with a fresh one. The new image is
// built beside the old one and renamed over it, so on failure the previous
// overlay (if any) is left untouched.
func (m *Manager) Recreate(ctx context.Context, path string) error {
	suffix, err := randomSuffix()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}
	tmp := path + ".tmp-" + suffix

	out, err := m.run(ctx, m.qemuImg, "create",
		"-f", "qcow2",
		"-F", "qcow2",
		"-b", m.baseImage,
		tmp,
	)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: %s: %w", ErrCreate, filepath.Base(path), strings.TrimSpace(string(out)), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %w", ErrCreate, filepath.Base(path), err)
	}
	m.logger.Info("overlay created", zap.String("path", path))
	return nil
}

// Delete removes the overlay. A missing file is not an error.
func (m *Manager) Delete(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("overlay: delete %s: %w", path, err)
	}
	return nil
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func randomSuffix() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
