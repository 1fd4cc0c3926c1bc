// Package codesign re-signs Mach-O code signatures and builds the
// CodeResources seal of application bundles, without macOS tooling.
//
// A signature is re-signed in place: the entitlements blob is replaced,
// the signer common name in the designated requirement is rewritten, the
// special slot hashes and team identifier of every CodeDirectory are
// refreshed and a new CMS signature is stored. Blob offsets are then
// recomputed and the result is written back into the space reserved by
// LC_CODE_SIGNATURE.
//
// # Basic Usage
//
//	signer, err := codesign.LoadPKCS12Signer(p12Data, password)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = codesign.ResignBundle(codesign.BundleOptions{
//	    AppPath: "Payload/MyApp.app",
//	    Signer:  signer,
//	})
//
// Single binaries are re-signed with SignMachO, and a bare superblob with
// NewCodesig followed by Codesig.Resign.
//
// # Seals
//
// MakeSeal walks a bundle directory with the default rules and rules2
// dictionaries and writes _CodeSignature/CodeResources, whose digest is
// then stored in the ResourceDir slot of the main executable.
package codesign
