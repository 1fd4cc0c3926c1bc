package codesign

import (
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

const embeddedProfileName = "embedded.mobileprovision"

// ProvisioningProfile is the plist payload of a .mobileprovision file.
type ProvisioningProfile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

// parseCMS decodes a CMS SignedData that may use BER indefinite lengths,
// as both embedded signatures and profiles from older tools do.
func parseCMS(data []byte) (*pkcs7.PKCS7, error) {
	pkt, err := ber.DecodePacketErr(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode CMS: %w", err)
	}
	p7, err := pkcs7.Parse(pkt.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to parse CMS: %w", err)
	}
	return p7, nil
}

// ParseProvisioningProfile unwraps the signed envelope of a
// .mobileprovision file and decodes its plist. The envelope signature is
// not verified.
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	p7, err := parseCMS(data)
	if err != nil {
		return nil, err
	}
	profile := new(ProvisioningProfile)
	if _, err := plist.Unmarshal(p7.Content, profile); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}
	return profile, nil
}

// Check reports why the profile cannot be used with cert at now.
func (p *ProvisioningProfile) Check(cert *x509.Certificate, now time.Time) error {
	if p.ExpiredAt(now) {
		return fmt.Errorf("provisioning profile %q expired on %s", p.Name, p.ExpirationDate.Format(time.RFC3339))
	}
	if cert != nil && !p.MatchesCertificate(cert) {
		return fmt.Errorf("certificate %q is not listed in provisioning profile %q", cert.Subject.CommonName, p.Name)
	}
	return nil
}

// EmbedProfile checks the profile against the signing certificate and
// writes it to <appPath>/embedded.mobileprovision.
func EmbedProfile(appPath string, data []byte, cert *x509.Certificate) error {
	profile, err := ParseProvisioningProfile(data)
	if err != nil {
		return fmt.Errorf("failed to parse provisioning profile: %w", err)
	}
	if err := profile.Check(cert, time.Now()); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(appPath, embeddedProfileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", embeddedProfileName, err)
	}
	return nil
}

// ReadEmbeddedProfile parses the profile embedded in a bundle, if any.
func ReadEmbeddedProfile(appPath string) (*ProvisioningProfile, error) {
	data, err := os.ReadFile(filepath.Join(appPath, embeddedProfileName))
	if err != nil {
		return nil, err
	}
	return ParseProvisioningProfile(data)
}

// GetTeamID returns the first team identifier, falling back to the app ID
// prefix.
func (p *ProvisioningProfile) GetTeamID() string {
	for _, ids := range [][]string{p.TeamIdentifier, p.ApplicationIdentifierPrefix} {
		if len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}

func (p *ProvisioningProfile) GetApplicationIdentifier() string {
	appID, _ := p.Entitlements["application-identifier"].(string)
	return appID
}

func (p *ProvisioningProfile) IsExpired() bool { return p.ExpiredAt(time.Now()) }

// ExpiredAt reports whether the profile is past its expiration at t.
func (p *ProvisioningProfile) ExpiredAt(t time.Time) bool {
	return t.After(p.ExpirationDate)
}

// IsDeviceAllowed reports whether udid may run builds signed with the
// profile.
func (p *ProvisioningProfile) IsDeviceAllowed(udid string) bool {
	if p.ProvisionsAllDevices {
		return true
	}
	for _, device := range p.ProvisionedDevices {
		if device == udid {
			return true
		}
	}
	return false
}

// GetCertificates decodes the developer certificates listed in the profile.
func (p *ProvisioningProfile) GetCertificates() ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(p.DeveloperCertificates))
	for i, der := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// MatchesCertificate reports whether cert is one of the profile's
// developer certificates. Undecodable entries are ignored.
func (p *ProvisioningProfile) MatchesCertificate(cert *x509.Certificate) bool {
	for _, der := range p.DeveloperCertificates {
		if other, err := x509.ParseCertificate(der); err == nil && cert.Equal(other) {
			return true
		}
	}
	return false
}

// PrintProfileInfo writes a summary of profile in the same tree style as
// PrintSignatureInfo.
func PrintProfileInfo(profile *ProvisioningProfile, w io.Writer) {
	fprint(w, "Profile: %s (%s)\n", profile.Name, profile.UUID)
	fprint(w, "  ├─ Team ID: %s\n", profile.GetTeamID())
	fprint(w, "  ├─ App ID: %s\n", profile.GetApplicationIdentifier())
	fprint(w, "  ├─ Created: %s\n", profile.CreationDate.Format(time.RFC3339))
	fprint(w, "  ├─ Expires: %s (expired: %v)\n", profile.ExpirationDate.Format(time.RFC3339), profile.IsExpired())

	switch {
	case profile.ProvisionsAllDevices:
		fprint(w, "  ├─ Devices: all\n")
	case len(profile.ProvisionedDevices) > 0:
		fprint(w, "  ├─ Devices: %d\n", len(profile.ProvisionedDevices))
		for _, udid := range profile.ProvisionedDevices {
			fprint(w, "  │   %s\n", udid)
		}
	}

	if certs, err := profile.GetCertificates(); err == nil {
		fprint(w, "  ├─ Certificates: %d\n", len(certs))
		for _, cert := range certs {
			fprint(w, "  │   %s (serial %s, expires %s)\n",
				cert.Subject.CommonName, cert.SerialNumber, cert.NotAfter.Format("2006-01-02"))
		}
	}

	keys := EntitlementKeys(profile.Entitlements)
	fprint(w, "  └─ Entitlements: %d\n", len(keys))
	for _, k := range keys {
		fprint(w, "      %s: %v\n", k, profile.Entitlements[k])
	}
}
