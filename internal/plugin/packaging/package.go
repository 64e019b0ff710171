// Package packaging builds and opens plugin bundles: ZIP archives carrying
// a plugin directory with its manifest at the root. Bundles are how plugins
// move between machines; the loader unpacks them into a plugin directory
// before registration.
package packaging

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	pkgplugin "github.com/quantkit/quantflow/pkg/plugin"
)

// BundleExt is the file extension a plugin bundle carries.
const BundleExt = ".zip"

// Pack archives pluginDir into a bundle at outPath. The directory must
// contain a conventional manifest (plugin.yaml, plugin.yml or plugin.json)
// at its root, and the manifest must be clean: a bundle that the registry
// would refuse is never produced. Hidden files and nested bundles are
// skipped. Archive entries use forward slashes regardless of platform.
func Pack(pluginDir, outPath string) error {
	manifestPath, ok := pkgplugin.FindManifest(pluginDir)
	if !ok {
		return fmt.Errorf("bundle %s: no manifest in %s", outPath, pluginDir)
	}
	mf, err := pkgplugin.LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("bundle %s: %w", outPath, err)
	}
	if problems := mf.Validate(); len(problems) > 0 {
		return fmt.Errorf("bundle %s: manifest problems: %s", outPath, strings.Join(problems, "; "))
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("bundle %s: %w", outPath, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	walkErr := filepath.Walk(pluginDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(pluginDir, path)
		if err != nil {
			return err
		}
		if strings.HasPrefix(filepath.Base(rel), ".") {
			return nil
		}
		if strings.EqualFold(filepath.Ext(rel), BundleExt) {
			return nil
		}
		return addFile(zw, path, filepath.ToSlash(rel))
	})
	if walkErr != nil {
		zw.Close()
		return fmt.Errorf("bundle %s: %w", outPath, walkErr)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("bundle %s: %w", outPath, err)
	}
	return nil
}

// Inspect reads the manifest out of a bundle without extracting anything.
// The manifest must sit at the archive root under one of the conventional
// filenames.
func Inspect(bundlePath string) (*pkgplugin.Manifest, error) {
	r, err := zip.OpenReader(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", bundlePath, err)
	}
	defer r.Close()
	return readManifest(&r.Reader, bundlePath)
}

// Extract unpacks a bundle under destRoot. Files land in a directory named
// after the bundled plugin, destRoot/<name>/, which is returned. Archive
// entries that escape that directory, through ".." segments or absolute
// paths, abort the extraction with an error rather than being skipped, so
// a hostile bundle can never write outside destRoot.
func Extract(bundlePath, destRoot string) (string, error) {
	r, err := zip.OpenReader(bundlePath)
	if err != nil {
		return "", fmt.Errorf("bundle %s: %w", bundlePath, err)
	}
	defer r.Close()

	mf, err := readManifest(&r.Reader, bundlePath)
	if err != nil {
		return "", err
	}

	pluginDir := filepath.Join(destRoot, mf.Name)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		return "", fmt.Errorf("bundle %s: %w", bundlePath, err)
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dest, err := entryPath(pluginDir, f.Name)
		if err != nil {
			return "", fmt.Errorf("bundle %s: %w", bundlePath, err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", fmt.Errorf("bundle %s: %w", bundlePath, err)
		}
		if err := extractFile(f, dest); err != nil {
			return "", fmt.Errorf("bundle %s: extract %s: %w", bundlePath, f.Name, err)
		}
	}
	return pluginDir, nil
}

// readManifest locates and decodes the root-level manifest inside an open
// archive.
func readManifest(r *zip.Reader, bundlePath string) (*pkgplugin.Manifest, error) {
	var manifestFile *zip.File
	for _, f := range r.File {
		name := filepath.ToSlash(f.Name)
		if strings.Contains(name, "/") {
			continue
		}
		for _, candidate := range pkgplugin.ManifestFileNames {
			if name == candidate {
				manifestFile = f
				break
			}
		}
		if manifestFile != nil {
			break
		}
	}
	if manifestFile == nil {
		return nil, fmt.Errorf("bundle %s: no manifest at archive root", bundlePath)
	}

	rc, err := manifestFile.Open()
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", bundlePath, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", bundlePath, err)
	}
	mf, err := pkgplugin.ParseManifest(data, manifestFile.Name)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", bundlePath, err)
	}
	return mf, nil
}

// entryPath resolves an archive entry name against root and rejects any
// entry that would land outside it.
func entryPath(root, name string) (string, error) {
	name = filepath.ToSlash(name)
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("entry %q: absolute path", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry %q: escapes bundle root", name)
	}
	return filepath.Join(root, clean), nil
}

func addFile(zw *zip.Writer, srcPath, zipName string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = zipName
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}
