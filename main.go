package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aluedeke/go-resign/pkg/codesign"
	"github.com/aluedeke/go-resign/pkg/config"
	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
)

const version = "1.0.0"

const usage = `go-resign - iOS code signature re-signing tool

Re-signs Mach-O binaries, .app bundles and IPA files with a new identity,
rewriting entitlements, requirements, special slot hashes and the CMS
signature in place, and regenerates _CodeSignature/CodeResources seals.

Usage:
  go-resign resign --app=<path> [--p12=<path>] [--profile=<path>] [--password=<password>] [--entitlements=<path>] [--team-id=<id>] [--output=<path>] [--inplace] [--respect-omissions] [--config=<path>] [--verbose]
  go-resign sign --binary=<path> [--seal=<path>] [--p12=<path>] [--profile=<path>] [--password=<password>] [--entitlements=<path>] [--team-id=<id>] [--config=<path>] [--verbose]
  go-resign seal --app=<path> [--executable=<path>] [--respect-omissions] [--verbose]
  go-resign info --app=<path> [--signature] [--recursive]
  go-resign info --binary=<path>
  go-resign info --profile=<path>
  go-resign diff --app1=<path> --app2=<path> [--recursive]
  go-resign -h | --help
  go-resign --version

Commands:
  resign    Re-sign an IPA file or .app bundle, nested bundles included
  sign      Re-sign a single Mach-O binary, hashing an existing seal
  seal      Write _CodeSignature/CodeResources for a bundle directory
  info      Display bundle, binary signature or provisioning profile details
  diff      Compare code signatures between two apps

Options:
  --app=<path>            Path to the .ipa file or .app bundle directory
  --binary=<path>         Path to a single Mach-O binary
  --app1=<path>           Path to first app for comparison (diff command)
  --app2=<path>           Path to second app for comparison (diff command)
  --p12=<path>            P12 identity, or PEM key when --profile carries the certificate (or CODESIGN_P12)
  --profile=<path>        Provisioning profile to embed (or CODESIGN_PROFILE)
  --password=<password>   Password for the P12 file (or CODESIGN_PASSWORD)
  --entitlements=<path>   Entitlements plist for the main executable (or CODESIGN_ENTITLEMENTS)
  --team-id=<id>          Team identifier to store instead of the certificate's (or CODESIGN_TEAM_ID)
  --seal=<path>           CodeResources file hashed into the ResourceDir slot (sign command)
  --executable=<path>     Main executable excluded from the seal (seal command, defaults to CFBundleExecutable)
  --output=<path>         Output path (defaults to input-resigned.ext)
  --inplace               Sign the .app bundle in place
  --respect-omissions     Drop omitted files from the seal and record symlinks
  --config=<path>         YAML job file; flags override its values
  --signature             Show detailed code signature information (info command)
  --recursive             Include nested bundles like Frameworks/ and PlugIns/
  -v --verbose            Log every signing step
  -h --help               Show this help message
  --version               Show version

Environment Variables:
  CODESIGN_P12            Path to P12 identity (overridden by --p12 and the job file)
  CODESIGN_PROFILE        Path to provisioning profile
  CODESIGN_PASSWORD       P12 password
  CODESIGN_ENTITLEMENTS   Path to entitlements plist
  CODESIGN_TEAM_ID        Team identifier override

Examples:
  # Re-sign an IPA
  go-resign resign --app=MyApp.ipa --p12=cert.p12 --profile=dev.mobileprovision --password=secret

  # Re-sign a .app bundle in place with new entitlements
  go-resign resign --app=MyApp.app --p12=cert.p12 --entitlements=ents.plist --inplace

  # Re-sign from a job file
  go-resign resign --app=MyApp.ipa --config=job.yml

  # Regenerate the seal, then re-sign the executable against it
  go-resign seal --app=MyApp.app
  go-resign sign --binary=MyApp.app/MyApp --seal=MyApp.app/_CodeSignature/CodeResources --p12=cert.p12

  # Dump a binary's signature
  go-resign info --binary=MyApp.app/MyApp

  # Compare signatures including nested bundles
  go-resign diff --app1=App1.app --app2=App2.app --recursive
`

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
		w.TimeFormat = time.RFC3339
	})).Level(level).With().Timestamp().Logger()
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	verbose, _ := opts.Bool("--verbose")
	logger := newLogger(verbose)

	var run func(docopt.Opts, zerolog.Logger) error
	switch {
	case flag(opts, "resign"):
		run = runResign
	case flag(opts, "sign"):
		run = runSign
	case flag(opts, "seal"):
		run = runSeal
	case flag(opts, "info"):
		run = func(o docopt.Opts, _ zerolog.Logger) error { return runInfo(o) }
	case flag(opts, "diff"):
		run = func(o docopt.Opts, _ zerolog.Logger) error { return runDiff(o) }
	default:
		return
	}
	if err := run(opts, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func str(opts docopt.Opts, name string) string {
	v, _ := opts.String(name)
	return v
}

// loadJob merges --config, flags and environment into one job.
func loadJob(opts docopt.Opts) (*config.Config, error) {
	flags := config.Config{
		P12:          str(opts, "--p12"),
		Password:     str(opts, "--password"),
		Profile:      str(opts, "--profile"),
		Entitlements: str(opts, "--entitlements"),
		TeamID:       str(opts, "--team-id"),
	}
	if flag(opts, "--respect-omissions") {
		yes := true
		flags.RespectOmissions = &yes
	}
	cfg, err := config.Load(str(opts, "--config"), flags)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadSigner reads the identity named by cfg. The profile bytes are
// returned for embedding when one is configured.
func loadSigner(cfg *config.Config) (*codesign.PKCS12Signer, []byte, error) {
	keyData, err := os.ReadFile(cfg.P12)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read P12 file: %w", err)
	}

	var signer *codesign.PKCS12Signer
	var profileData []byte
	if cfg.Profile != "" {
		profileData, err = os.ReadFile(cfg.Profile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read provisioning profile: %w", err)
		}
		profile, err := codesign.ParseProvisioningProfile(profileData)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse provisioning profile: %w", err)
		}
		signer, err = codesign.LoadSignerWithProfile(keyData, cfg.Password, profile)
		if err != nil {
			return nil, nil, err
		}
	} else {
		signer, err = codesign.LoadPKCS12Signer(keyData, cfg.Password)
		if err != nil {
			return nil, nil, err
		}
	}
	if cfg.TeamID != "" {
		signer.SetTeamID(cfg.TeamID)
	}
	return signer, profileData, nil
}

func runResign(opts docopt.Opts, logger zerolog.Logger) error {
	inputPath := str(opts, "--app")
	outputPath := str(opts, "--output")
	inplace := flag(opts, "--inplace")

	cfg, err := loadJob(opts)
	if err != nil {
		return err
	}

	isIPA := strings.HasSuffix(strings.ToLower(inputPath), ".ipa")
	if inplace {
		if isIPA {
			return fmt.Errorf("--inplace can only be used with .app bundles, not .ipa files")
		}
		if outputPath != "" {
			return fmt.Errorf("cannot specify both --inplace and --output")
		}
	}
	if outputPath == "" && !inplace {
		ext := filepath.Ext(inputPath)
		outputPath = strings.TrimSuffix(inputPath, ext) + "-resigned" + ext
	}

	signer, profileData, err := loadSigner(cfg)
	if err != nil {
		return err
	}
	cache, err := codesign.NewDigestCache(cfg.DigestCacheSize)
	if err != nil {
		return err
	}

	logger.Info().
		Str("input", inputPath).
		Str("signer", signer.Certificate().Subject.CommonName).
		Str("team_id", signer.TeamID()).
		Msg("Re-signing")

	var appPath, tempDir string
	switch {
	case isIPA:
		tempDir, err = codesign.ExtractIPA(inputPath)
		if err != nil {
			return fmt.Errorf("failed to extract IPA: %w", err)
		}
		defer os.RemoveAll(tempDir)
		appPath, err = codesign.FindAppBundle(tempDir)
		if err != nil {
			return fmt.Errorf("failed to find app bundle: %w", err)
		}
	case inplace:
		appPath = inputPath
	default:
		tempDir, err = os.MkdirTemp("", "app-resign-*")
		if err != nil {
			return fmt.Errorf("failed to create temp directory: %w", err)
		}
		defer os.RemoveAll(tempDir)
		appPath = filepath.Join(tempDir, filepath.Base(inputPath))
		if err := codesign.CopyAppBundle(inputPath, appPath); err != nil {
			return fmt.Errorf("failed to copy app bundle to temp location: %w", err)
		}
	}

	err = codesign.ResignBundle(codesign.BundleOptions{
		AppPath:             appPath,
		Signer:              signer,
		ProvisioningProfile: profileData,
		EntitlementsPath:    cfg.Entitlements,
		Seal: codesign.SealOptions{
			RespectOmissions: cfg.OmissionsRespected(),
			Cache:            cache,
		},
		Logger: &logger,
	})
	if err != nil {
		return err
	}

	switch {
	case isIPA:
		if err := codesign.RepackageIPA(tempDir, outputPath); err != nil {
			return fmt.Errorf("failed to repackage IPA: %w", err)
		}
		logger.Info().Str("output", outputPath).Msg("Successfully re-signed IPA")
	case inplace:
		logger.Info().Str("output", inputPath).Msg("Successfully re-signed .app bundle in place")
	default:
		if err := codesign.CopyAppBundle(appPath, outputPath); err != nil {
			return fmt.Errorf("failed to copy signed app bundle: %w", err)
		}
		logger.Info().Str("output", outputPath).Msg("Successfully re-signed .app bundle")
	}
	return nil
}

func runSign(opts docopt.Opts, logger zerolog.Logger) error {
	binaryPath := str(opts, "--binary")
	cfg, err := loadJob(opts)
	if err != nil {
		return err
	}
	signer, _, err := loadSigner(cfg)
	if err != nil {
		return err
	}

	app := codesign.BundleApp{Entitlements: cfg.Entitlements, Seal: str(opts, "--seal")}
	if err := codesign.SignMachO(binaryPath, app, signer, codesign.WithLogger(logger)); err != nil {
		return err
	}
	logger.Info().Str("binary", binaryPath).Msg("Successfully re-signed binary")
	return nil
}

func runSeal(opts docopt.Opts, logger zerolog.Logger) error {
	appPath := str(opts, "--app")
	execPath := str(opts, "--executable")
	if execPath == "" {
		var err error
		if execPath, err = codesign.BundleExecutable(appPath); err != nil {
			return err
		}
	}
	path, err := codesign.MakeSeal(execPath, appPath, codesign.SealOptions{
		RespectOmissions: flag(opts, "--respect-omissions"),
		Logger:           &logger,
	})
	if err != nil {
		return err
	}
	logger.Info().Str("seal", path).Msg("Wrote CodeResources")
	return nil
}

func runInfo(opts docopt.Opts) error {
	switch {
	case str(opts, "--app") != "":
		return showAppInfo(str(opts, "--app"), flag(opts, "--signature"), flag(opts, "--recursive"))
	case str(opts, "--binary") != "":
		info, err := codesign.InspectFile(str(opts, "--binary"))
		if err != nil {
			return err
		}
		codesign.PrintSignatureInfo(info, os.Stdout)
		return nil
	case str(opts, "--profile") != "":
		return showProfileInfo(str(opts, "--profile"))
	}
	return fmt.Errorf("one of --app, --binary or --profile is required")
}

func runDiff(opts docopt.Opts) error {
	diffs, err := codesign.CompareBundles(str(opts, "--app1"), str(opts, "--app2"), flag(opts, "--recursive"))
	if err != nil {
		return err
	}
	if !codesign.PrintSignatureDiffs(diffs, os.Stdout) {
		return fmt.Errorf("signatures differ")
	}
	return nil
}

// showAppInfo prints the bundle summary, the embedded profile and, when
// asked, the signatures of the bundle's executables.
func showAppInfo(inputPath string, showSignature, recursive bool) error {
	appPath := inputPath
	if strings.HasSuffix(strings.ToLower(inputPath), ".ipa") {
		tempDir, err := codesign.ExtractIPA(inputPath)
		if err != nil {
			return fmt.Errorf("failed to extract IPA: %w", err)
		}
		defer os.RemoveAll(tempDir)
		if appPath, err = codesign.FindAppBundle(tempDir); err != nil {
			return fmt.Errorf("failed to find app bundle: %w", err)
		}
	}

	bundleID, err := codesign.GetAppBundleID(appPath)
	if err != nil {
		return fmt.Errorf("failed to get bundle ID: %w", err)
	}
	execPath, err := codesign.BundleExecutable(appPath)
	if err != nil {
		return err
	}
	fmt.Printf("Bundle: %s\n", inputPath)
	fmt.Printf("  ├─ Name: %s\n", filepath.Base(appPath))
	fmt.Printf("  ├─ Identifier: %s\n", bundleID)
	fmt.Printf("  └─ Executable: %s\n", filepath.Base(execPath))

	if profile, err := codesign.ReadEmbeddedProfile(appPath); err == nil {
		fmt.Println()
		codesign.PrintProfileInfo(profile, os.Stdout)
	}

	if !showSignature {
		return nil
	}
	infos, err := codesign.InspectBundle(appPath, recursive)
	if err != nil {
		return fmt.Errorf("failed to inspect signatures: %w", err)
	}
	for _, info := range infos {
		codesign.PrintSignatureInfo(info, os.Stdout)
	}
	return nil
}

func showProfileInfo(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}
	profile, err := codesign.ParseProvisioningProfile(data)
	if err != nil {
		return err
	}
	codesign.PrintProfileInfo(profile, os.Stdout)
	return nil
}
