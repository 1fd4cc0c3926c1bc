package codesign

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
)

const (
	codeSignatureDir  = "_CodeSignature"
	codeResourcesName = "CodeResources"
)

// BuilderOptions tunes a single resource scan.
type BuilderOptions struct {
	// RespectOmissions drops files whose rule omits them and records
	// symlinks. Without it omitted files are hashed and symlinks skipped.
	RespectOmissions bool
	// IncludeSHA256 adds a hash2 digest next to the SHA-1 hash.
	IncludeSHA256 bool
	Cache         *DigestCache
	Logger        *zerolog.Logger
}

// ResourceBuilder hashes the files of a bundle directory according to a
// rules dictionary.
type ResourceBuilder struct {
	appPath   string
	targetDir string
	rules     []*PathRule
	opts      BuilderOptions
	log       zerolog.Logger
}

// NewResourceBuilder prepares a scan of targetDir. appPath is the main
// executable, which is never part of the seal.
func NewResourceBuilder(appPath, targetDir string, rules map[string]interface{}, opts BuilderOptions) (*ResourceBuilder, error) {
	absApp, err := filepath.Abs(appPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", appPath, err)
	}
	absTarget, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", targetDir, err)
	}

	patterns := make([]string, 0, len(rules))
	for p := range rules {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	b := &ResourceBuilder{
		appPath:   absApp,
		targetDir: absTarget,
		opts:      opts,
		log:       zerolog.Nop(),
	}
	if opts.Logger != nil {
		b.log = *opts.Logger
	}
	for _, p := range patterns {
		rule, err := NewPathRule(p, rules[p])
		if err != nil {
			return nil, err
		}
		b.rules = append(b.rules, rule)
	}
	return b, nil
}

// FindRule returns the rule governing a relative path. An exclusion rule
// wins outright; otherwise the heaviest matching rule wins and paths that
// match nothing get a weightless rule with no flags.
func (b *ResourceBuilder) FindRule(path string) *PathRule {
	best := nullPathRule
	for _, rule := range b.rules {
		if !rule.Matches(path) {
			continue
		}
		if rule.IsExclusion() {
			return rule
		}
		if rule.Weight > best.Weight {
			best = rule
		}
	}
	return best
}

// Scan walks the target directory and returns relative path -> record.
// A record is the bare SHA-1 digest when nothing else needs saying,
// otherwise a dictionary with hash, hash2, symlink and optional keys.
func (b *ResourceBuilder) Scan() (map[string]interface{}, error) {
	entries := make(map[string]interface{})
	err := filepath.WalkDir(b.targetDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == b.targetDir {
			return nil
		}
		rel, err := filepath.Rel(b.targetDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == codeSignatureDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			// links to directories are neither followed nor recorded
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				return nil
			}
		}
		return b.addFile(entries, path, rel, d)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", b.targetDir, err)
	}
	return entries, nil
}

func (b *ResourceBuilder) addFile(entries map[string]interface{}, path, rel string, d fs.DirEntry) error {
	isLink := d.Type()&fs.ModeSymlink != 0
	rule := b.FindRule(rel)
	skip := func(reason string) error {
		b.log.Debug().Str("path", rel).Str("reason", reason).Msg("skipped")
		return nil
	}

	switch {
	case rel == codeResourcesName && isLink:
		return skip("CodeResources link")
	case d.Name() == "Info.plist":
		return skip("Info.plist")
	case rule.IsExclusion():
		return skip("excluded by rule")
	case rule.IsOmitted() && b.opts.RespectOmissions:
		return skip("omitted by rule")
	case path == b.appPath:
		return skip("main executable")
	}

	record := make(map[string]interface{})
	if isLink {
		if !b.opts.RespectOmissions {
			return skip("symlink")
		}
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("failed to read link %s: %w", rel, err)
		}
		record["symlink"] = target
	} else {
		sum, err := b.opts.Cache.FileDigest(path, "sha1")
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		record["hash"] = sum
		if b.opts.IncludeSHA256 {
			sum2, err := b.opts.Cache.FileDigest(path, "sha256")
			if err != nil {
				return fmt.Errorf("failed to hash2 %s: %w", rel, err)
			}
			record["hash2"] = sum2
		}
	}
	if rule.IsOptional() {
		record["optional"] = true
	}

	if h, ok := record["hash"]; ok && len(record) == 1 {
		entries[rel] = h
	} else {
		entries[rel] = record
	}
	b.log.Debug().Str("path", rel).Stringer("rule", rule).Msg("sealed")
	return nil
}

// SealOptions configures MakeSeal.
type SealOptions struct {
	RespectOmissions bool
	Cache            *DigestCache
	Logger           *zerolog.Logger
}

// MakeSeal builds the CodeResources seal for the directory around the
// executable at appPath (or targetDir when given) and writes it to
// <targetDir>/_CodeSignature/CodeResources. It returns the written path.
func MakeSeal(appPath, targetDir string, opts SealOptions) (string, error) {
	if targetDir == "" {
		targetDir = filepath.Dir(appPath)
	}
	seal, err := CodeResourcesTemplate()
	if err != nil {
		return "", err
	}

	scans := []struct {
		rulesKey, filesKey string
		sha256             bool
	}{
		{"rules", "files", false},
		{"rules2", "files2", true},
	}
	for _, s := range scans {
		rules, _ := seal[s.rulesKey].(map[string]interface{})
		b, err := NewResourceBuilder(appPath, targetDir, rules, BuilderOptions{
			RespectOmissions: opts.RespectOmissions,
			IncludeSHA256:    s.sha256,
			Cache:            opts.Cache,
			Logger:           opts.Logger,
		})
		if err != nil {
			return "", err
		}
		files, err := b.Scan()
		if err != nil {
			return "", err
		}
		seal[s.filesKey] = files
	}
	return WriteSeal(targetDir, seal)
}

// WriteSeal writes seal to <targetDir>/_CodeSignature/CodeResources.
func WriteSeal(targetDir string, seal map[string]interface{}) (string, error) {
	data, err := MarshalPlist(seal)
	if err != nil {
		return "", fmt.Errorf("failed to marshal CodeResources: %w", err)
	}
	dir := filepath.Join(targetDir, codeSignatureDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create _CodeSignature directory: %w", err)
	}
	path := filepath.Join(dir, codeResourcesName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write CodeResources: %w", err)
	}
	return path, nil
}
