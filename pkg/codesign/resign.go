package codesign

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"howett.net/plist"
)

// BundleOptions contains all options for re-signing a .app bundle.
type BundleOptions struct {
	AppPath string
	Signer  Signer
	// ProvisioningProfile is copied to embedded.mobileprovision when set.
	ProvisioningProfile []byte
	// EntitlementsPath replaces the main executable's entitlements blob.
	EntitlementsPath string
	Seal             SealOptions
	Logger           *zerolog.Logger
}

// ResignBundle re-signs a .app bundle in place: nested bundles and loose
// dylibs first, then the seal of the outer bundle, then its main
// executable with the seal hashed into its ResourceDir slot.
func ResignBundle(opts BundleOptions) error {
	if opts.AppPath == "" {
		return fmt.Errorf("app path is required")
	}
	if opts.Signer == nil {
		return fmt.Errorf("signer is required")
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	if opts.Seal.Logger == nil {
		opts.Seal.Logger = &log
	}

	if len(opts.ProvisioningProfile) > 0 {
		if err := EmbedProfile(opts.AppPath, opts.ProvisioningProfile, opts.Signer.Certificate()); err != nil {
			return err
		}
	}

	nested, err := findNestedBundles(opts.AppPath)
	if err != nil {
		return fmt.Errorf("failed to find nested bundles: %w", err)
	}
	for _, bundle := range nested {
		if err := resignNestedBundle(bundle, opts, log); err != nil {
			return fmt.Errorf("failed to sign nested bundle %s: %w", bundle, err)
		}
	}

	dylibs, err := findLooseDylibs(opts.AppPath)
	if err != nil {
		return fmt.Errorf("failed to find dylibs: %w", err)
	}
	for _, dylib := range dylibs {
		err := SignMachO(dylib, dylibApp{}, opts.Signer, WithLogger(log.With().Str("binary", dylib).Logger()))
		if errors.Is(err, ErrNotSigned) {
			log.Warn().Str("binary", dylib).Msg("dylib has no signature, left unsigned")
			continue
		}
		if err != nil {
			return err
		}
	}

	execPath, err := BundleExecutable(opts.AppPath)
	if err != nil {
		return err
	}
	sealPath, err := MakeSeal(execPath, opts.AppPath, opts.Seal)
	if err != nil {
		return fmt.Errorf("failed to generate CodeResources: %w", err)
	}
	app := BundleApp{Entitlements: opts.EntitlementsPath, Seal: sealPath}
	if err := SignMachO(execPath, app, opts.Signer, WithLogger(log.With().Str("binary", execPath).Logger())); err != nil {
		return fmt.Errorf("failed to sign main executable: %w", err)
	}
	log.Info().Str("bundle", opts.AppPath).Str("seal", sealPath).Msg("bundle re-signed")
	return nil
}

// resignNestedBundle seals and signs a framework, plugin or test bundle.
// Nested bundles keep their own entitlements.
func resignNestedBundle(bundlePath string, opts BundleOptions, log zerolog.Logger) error {
	execPath, err := BundleExecutable(bundlePath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(execPath); os.IsNotExist(err) {
		// resource-only bundle
		return nil
	}
	sealPath, err := MakeSeal(execPath, bundlePath, opts.Seal)
	if err != nil {
		return fmt.Errorf("failed to generate CodeResources: %w", err)
	}
	err = SignMachO(execPath, BundleApp{Seal: sealPath}, opts.Signer, WithLogger(log.With().Str("binary", execPath).Logger()))
	if errors.Is(err, ErrNotSigned) {
		log.Warn().Str("binary", execPath).Msg("nested bundle has no signature, left unsigned")
		return nil
	}
	return err
}

// dylibApp signs a bare dylib: no seal and no entitlements.
type dylibApp struct{}

func (dylibApp) EntitlementsPath() string { return "" }
func (dylibApp) SealPath() string         { return "" }

func (dylibApp) ShouldFillSlot(slot CodeDirectorySlot) bool {
	return slot != SlotResourceDir
}

// findNestedBundles returns .framework, .appex and .xctest bundles below
// appPath, deepest first.
func findNestedBundles(appPath string) ([]string, error) {
	var bundles []string
	err := filepath.WalkDir(appPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == appPath {
			return nil
		}
		if isNestedBundle(path) {
			bundles = append(bundles, path)
		}
		return nil
	})
	sort.SliceStable(bundles, func(i, j int) bool {
		return strings.Count(bundles[i], string(os.PathSeparator)) > strings.Count(bundles[j], string(os.PathSeparator))
	})
	return bundles, err
}

func isNestedBundle(path string) bool {
	switch filepath.Ext(path) {
	case ".framework", ".appex", ".xctest":
		return true
	}
	return false
}

// findLooseDylibs returns Mach-O dylibs that do not belong to a nested
// bundle.
func findLooseDylibs(appPath string) ([]string, error) {
	var dylibs []string
	err := filepath.WalkDir(appPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != appPath && isNestedBundle(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && strings.HasSuffix(path, ".dylib") && IsMachO(path) {
			dylibs = append(dylibs, path)
		}
		return nil
	})
	return dylibs, err
}

// BundleExecutable returns the path of the bundle's main executable,
// falling back to the bundle name without its extension.
func BundleExecutable(bundlePath string) (string, error) {
	info, err := readInfoPlist(bundlePath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if name, ok := info["CFBundleExecutable"].(string); ok && name != "" {
		return filepath.Join(bundlePath, name), nil
	}
	base := filepath.Base(bundlePath)
	return filepath.Join(bundlePath, strings.TrimSuffix(base, filepath.Ext(base))), nil
}

// GetAppBundleID reads the bundle ID from an app's Info.plist
func GetAppBundleID(appPath string) (string, error) {
	info, err := readInfoPlist(appPath)
	if err != nil {
		return "", err
	}
	bundleID, ok := info["CFBundleIdentifier"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleIdentifier not found in Info.plist")
	}
	return bundleID, nil
}

func readInfoPlist(bundlePath string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(bundlePath, "Info.plist"))
	if err != nil {
		return nil, fmt.Errorf("failed to read Info.plist: %w", err)
	}
	return parseInfoPlist(data)
}

func parseInfoPlist(data []byte) (map[string]interface{}, error) {
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse plist: %w", err)
	}
	return info, nil
}
