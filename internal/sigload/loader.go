// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sigload finds the best installed signature bundle, feeds it into
// the classifier handle, and swaps to new versions as they are installed.
package sigload

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/errors"
	"walleye.is/walleye/internal/logging"
)

// signaturePath is the bundle layout inside a versioned store directory.
const signaturePath = "usr/walleye/etc/signature.bin"

// compressedBundle is the alternative packaging, extracted on demand.
const compressedBundle = "data.tar.gz"

// extractDir receives the contents of compressed bundles.
const extractDir = "/tmp/walleye"

// ObjectState tracks the lifecycle of an installed bundle version.
type ObjectState int

const (
	ObjInstalled ObjectState = iota
	ObjActive
	ObjObsolete
	ObjError
)

func (s ObjectState) String() string {
	switch s {
	case ObjActive:
		return "active"
	case ObjObsolete:
		return "obsolete"
	case ObjError:
		return "error"
	default:
		return "installed"
	}
}

// Object is one installed signature bundle.
type Object struct {
	Version string
	Dir     string
	State   ObjectState
}

// Loader manages signature bundle discovery and engine loading. The store
// root holds one directory per installed version.
type Loader struct {
	storeRoot string
	engine    classify.Engine
	plugin    *classify.Plugin

	objects map[string]*Object
	// ActiveVersion is the version currently loaded into the engine handle.
	ActiveVersion string
	// LastActive is the version that was active before the process started;
	// bundle selection prefers it over the highest installed version.
	LastActive string

	// Restart is invoked when a configuration change cannot be applied live
	// (a dictionary-expiry change). The daemon owns process lifecycle.
	Restart func()

	watcher *fsnotify.Watcher
	logger  *logging.Logger
}

// NewLoader creates a loader over the versioned bundle store.
func NewLoader(storeRoot string, engine classify.Engine, plugin *classify.Plugin) *Loader {
	return &Loader{
		storeRoot: storeRoot,
		engine:    engine,
		plugin:    plugin,
		objects:   make(map[string]*Object),
		logger:    logging.WithComponent("sigload"),
	}
}

// Objects returns the known bundle versions and their states.
func (l *Loader) Objects() map[string]*Object {
	return l.objects
}

// Scan discovers installed bundle versions from the store root. Directory
// names are the version strings.
func (l *Loader) Scan() error {
	entries, err := os.ReadDir(l.storeRoot)
	if err != nil {
		return errors.Wrap(err, errors.KindNotFound, "read signature store")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		version := e.Name()
		if _, known := l.objects[version]; known {
			continue
		}
		l.objects[version] = &Object{
			Version: version,
			Dir:     filepath.Join(l.storeRoot, version),
		}
		l.logger.Debug("discovered signature bundle", "version", version)
	}
	return nil
}

// Add registers an externally announced bundle version and attempts a load
// when it is better than the active one.
func (l *Loader) Add(version string) error {
	if _, known := l.objects[version]; !known {
		l.objects[version] = &Object{
			Version: version,
			Dir:     filepath.Join(l.storeRoot, version),
		}
	}
	if l.ActiveVersion != "" && CompareVersions(version, l.ActiveVersion) <= 0 {
		return nil
	}
	return l.loadVersion(version)
}

// LoadBest loads the preferred bundle: the last active version when it is
// still installed, otherwise the highest installed version. Failed loads
// mark the object and fall back to the next best candidate.
func (l *Loader) LoadBest() error {
	if err := l.Scan(); err != nil {
		return err
	}

	if l.LastActive != "" {
		if _, ok := l.objects[l.LastActive]; ok {
			if err := l.loadVersion(l.LastActive); err == nil {
				return nil
			}
		}
	}

	for {
		best := ""
		for version, obj := range l.objects {
			if obj.State == ObjError || obj.State == ObjActive {
				continue
			}
			if best == "" || CompareVersions(version, best) > 0 {
				best = version
			}
		}
		if best == "" {
			if l.ActiveVersion != "" {
				return nil
			}
			return errors.New(errors.KindNotFound, "no loadable signature bundle")
		}
		if err := l.loadVersion(best); err == nil {
			return nil
		}
	}
}

// loadVersion maps one bundle into the engine and swaps the active version.
func (l *Loader) loadVersion(version string) error {
	obj, ok := l.objects[version]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "unknown signature version %s", version)
	}

	blob, err := l.readBundle(obj.Dir)
	if err != nil {
		obj.State = ObjError
		l.logger.WithError(err).Error("failed to read signature bundle", "version", version)
		return err
	}

	if err := l.engine.Load(blob); err != nil {
		obj.State = ObjError
		l.logger.WithError(err).Error("failed to load signatures", "version", version)
		return errors.Wrap(err, errors.KindInternal, "signature load")
	}

	if prev, ok := l.objects[l.ActiveVersion]; ok && prev != obj {
		prev.State = ObjObsolete
	}
	obj.State = ObjActive
	l.ActiveVersion = version
	if l.plugin != nil {
		l.plugin.SignatureLoaded = true
	}
	l.logger.Info("signatures loaded", "version", version, "bytes", len(blob))
	return nil
}

// readBundle reads signature.bin from a bundle directory, extracting
// data.tar.gz first when the plain file is absent.
func (l *Loader) readBundle(dir string) ([]byte, error) {
	plain := filepath.Join(dir, signaturePath)
	if blob, err := os.ReadFile(plain); err == nil {
		return blob, nil
	}

	archive := filepath.Join(dir, compressedBundle)
	if err := extractTarGz(archive, extractDir); err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(filepath.Join(extractDir, signaturePath))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "signature.bin missing from bundle")
	}
	return blob, nil
}

// extractTarGz unpacks an archive below dst, refusing entries that escape it.
func extractTarGz(archive, dst string) error {
	f, err := os.Open(archive)
	if err != nil {
		return errors.Wrap(err, errors.KindNotFound, "open signature archive")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, errors.KindParse, "signature archive gzip")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.KindParse, "signature archive tar")
		}

		clean := filepath.Clean(hdr.Name)
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			continue
		}
		target := filepath.Join(dst, clean)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrap(err, errors.KindInternal, "extract dir")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrap(err, errors.KindInternal, "extract dir")
			}
			out, err := os.Create(target)
			if err != nil {
				return errors.Wrap(err, errors.KindInternal, "extract file")
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errors.Wrap(err, errors.KindInternal, "extract file")
			}
			out.Close()
		}
	}
}

// Watch reacts to bundle installs below the store root by rescanning and
// reloading the best bundle. Runs until the watcher is closed.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "create store watcher")
	}
	if err := w.Add(l.storeRoot); err != nil {
		w.Close()
		return errors.Wrap(err, errors.KindUnavailable, "watch signature store")
	}
	l.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				l.logger.Debug("signature store changed", "path", ev.Name)
				if err := l.LoadBest(); err != nil {
					l.logger.WithError(err).Warn("signature reload failed")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.WithError(err).Warn("signature store watcher error")
			}
		}
	}()
	return nil
}

// Close stops the store watcher.
func (l *Loader) Close() {
	if l.watcher != nil {
		l.watcher.Close()
	}
}
