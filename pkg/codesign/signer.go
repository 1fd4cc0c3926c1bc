package codesign

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sync"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

// Signer produces the CMS signature stored in the blob wrapper.
type Signer interface {
	// Sign returns a detached CMS signature over data.
	Sign(data []byte) ([]byte, error)
	// Certificate is the leaf certificate; its CN goes into the
	// designated requirement.
	Certificate() *x509.Certificate
	// TeamID is written into every CodeDirectory.
	TeamID() string
}

// CodeDirectorySigner is implemented by signers that record the hashes of
// alternate CodeDirectories in the signature. cds[0] is the primary
// directory and is the signed content.
type CodeDirectorySigner interface {
	SignCodeDirectories(cds [][]byte) ([]byte, error)
}

// Apple Root CA certificate (DER-encoded, base64)
const appleRootCABase64 = `MIIEuzCCA6OgAwIBAgIBAjANBgkqhkiG9w0BAQUFADBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwHhcNMDYwNDI1MjE0MDM2WhcNMzUwMjA5MjE0MDM2WjBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwggEiMA0GCSqGSIb3DQEBAQUAA4IBDwAwggEKAoIBAQDkkakJH5HbHkdQ6wXtXnmELes2oldMVeyLGYne+Uts9QerIjAC6Bg++FAJ039BqJj50cpmnCRrEdCju+QbKsMflZ56DKRHi1vUFjczy8QPTc4UadHJGXL1XQ7Vf1+b8iUDulWPTV0N8WQ1IxVLFVkds5T39pyez1C6wVhQZ48ItCD3y6wsIG9wtj8BMIy3Q88PnT3zK0koGsj+zrW5DtleHNbLPbU6rfQPDgCSC7EhFi501TwN22IWq6NxkkdTVcGvL0Gz+PvjcM3mo0xFfh9Ma1CWQYnEdGILEINBhzOKgbEwWOxaBDKMaLOPHd5lc/9nXmW8Sdh2nzMUZaF3lMktAgMBAAGjggF6MIIBdjAOBgNVHQ8BAf8EBAMCAQYwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4EFgQUK9BpR5R2Cf70a40uQKb3R01/CF4wHwYDVR0jBBgwFoAUK9BpR5R2Cf70a40uQKb3R01/CF4wggERBgNVHSAEggEIMIIBBDCCAQAGCSqGSIb3Y2QFATCB8jAqBggrBgEFBQcCARYeaHR0cHM6Ly93d3cuYXBwbGUuY29tL2FwcGxlY2EvMIHDBggrBgEFBQcCAjCBthqBs1JlbGlhbmNlIG9uIHRoaXMgY2VydGlmaWNhdGUgYnkgYW55IHBhcnR5IGFzc3VtZXMgYWNjZXB0YW5jZSBvZiB0aGUgdGhlbiBhcHBsaWNhYmxlIHN0YW5kYXJkIHRlcm1zIGFuZCBjb25kaXRpb25zIG9mIHVzZSwgY2VydGlmaWNhdGUgcG9saWN5IGFuZCBjZXJ0aWZpY2F0aW9uIHByYWN0aWNlIHN0YXRlbWVudHMuMA0GCSqGSIb3DQEBBQUAA4IBAQBcNplMLXi37Yyb3PN3m/J20ncwT8EfhYOFG5k9RzfyqZtAjizUsZAS2L70c5vu0mQPy3lPNNiiPvl4/2vIB+x9OYOLUyDTOMSxv5pPCmv/K/xZpwUJfBdAVhEedNO3iyM7R6PVbyTi69G3cN8PReEnyvFteO3ntRcXqNx+IjXKJdXZD9Zr1KIkIxH3oayPc4FgxhtbCS+SsvhESPBgOJ4V9T0mZyCKM2r3DYLP3uujL/lTaltkwGMzd/c6ByxW69oPIQ7aunMZT7XZNn/Bh1XZp5m5MkL72NVxnn6hUrcbvZNCJBIqxw8dtk2cXmPIS4AXUKqK1drk/NAJBzewdXUh`

// Apple Worldwide Developer Relations Certification Authority - G3 (DER-encoded, base64)
const appleWWDRG3Base64 = `MIIEUTCCAzmgAwIBAgIQfK9pCiW3Of57m0R6wXjF7jANBgkqhkiG9w0BAQsFADBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwHhcNMjAwMjE5MTgxMzQ3WhcNMzAwMjIwMDAwMDAwWjB1MUQwQgYDVQQDDDtBcHBsZSBXb3JsZHdpZGUgRGV2ZWxvcGVyIFJlbGF0aW9ucyBDZXJ0aWZpY2F0aW9uIEF1dGhvcml0eTELMAkGA1UECwwCRzMxEzARBgNVBAoMCkFwcGxlIEluYy4xCzAJBgNVBAYTAlVTMIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA2PWJ/KhZC4fHTJEuLVaQ03gdpDDppUjvC0O/LYT7JF1FG+XrWTYSXFRknmxiLbTGl8rMPPbWBpH85QKmHGq0edVny6zpPwcR4YS8Rx1mjjmi6LRJ7TrS4RBgeo6TjMrA2gzAg9Dj+ZHWp4zIwXPirkbRYp2SqJBgN31ols2N4Pyb+ni743uvLRfdW/6AWSN1F7gSwe0b5TTO/iK1nkmw5VW/j4SiPKi6xYaVFuQAyZ8D0MyzOhZ71gVcnetHrg21LYwOaU1A0EtMOwSejSGxrC5DVDDOwYqGlJhL32oNP/77HK6XF8J4CjDgXx9UO0m3JQAaN4LSVpelUkl8YDib7wIDAQABo4HvMIHsMBIGA1UdEwEB/wQIMAYBAf8CAQAwHwYDVR0jBBgwFoAUK9BpR5R2Cf70a40uQKb3R01/CF4wRAYIKwYBBQUHAQEEODA2MDQGCCsGAQUFBzABhihodHRwOi8vb2NzcC5hcHBsZS5jb20vb2NzcDAzLWFwcGxlcm9vdGNhMC4GA1UdHwQnMCUwI6AhoB+GHWh0dHA6Ly9jcmwuYXBwbGUuY29tL3Jvb3QuY3JsMB0GA1UdDgQWBBQJ/sAVkPmvZAqSErkmKGMMl+ynsjAOBgNVHQ8BAf8EBAMCAQYwEAYKKoZIhvdjZAYCAQQCBQAwDQYJKoZIhvcNAQELBQADggEBAK1lE+j24IF3RAJHQr5fpTkg6mKp/cWQyXMT1Z6b0KoPjY3L7QHPbChAW8dVJEH4/M/BtSPp3Ozxb8qAHXfCxGFJJWevD8o5Ja3T43rMMygNDi6hV0Bz+uZcrgZRKe3jhQxPYdwyFot30ETKXXIDMUacrptAGvr04NM++i+MZp+XxFRZ79JI9AeZSWBZGcfdlNHAwWx/eCHvDOs7bJmCS1JgOLU5gm3sUjFTvg+RTElJdI+mUcuER04ddSduvfnSXPN/wmwLCTbiZOTCNwMUGdXqapSqqdv+9poIZ4vvK7iqF0mDr8/LvOnP6pVxsLRFoszlh6oKw0E6eVzaUDSdlTs=`

var (
	appleCAOnce sync.Once
	appleCAs    []*x509.Certificate
	appleCAErr  error
)

// appleCACertificates returns [WWDR G3, Root CA].
func appleCACertificates() ([]*x509.Certificate, error) {
	appleCAOnce.Do(func() {
		for _, enc := range []string{appleWWDRG3Base64, appleRootCABase64} {
			der, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				appleCAErr = fmt.Errorf("failed to decode Apple CA: %w", err)
				return
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				appleCAErr = fmt.Errorf("failed to parse Apple CA: %w", err)
				return
			}
			appleCAs = append(appleCAs, cert)
		}
	})
	return appleCAs, appleCAErr
}

// PKCS12Signer signs with a certificate and key loaded from a PKCS#12
// bundle (or a PEM key paired with a provisioning profile certificate).
type PKCS12Signer struct {
	cert   *x509.Certificate
	key    crypto.PrivateKey
	chain  []*x509.Certificate
	teamID string
}

// NewPKCS12Signer builds a signer from parsed parts. parents are the
// issuing certificates, nearest first.
func NewPKCS12Signer(cert *x509.Certificate, key crypto.PrivateKey, parents []*x509.Certificate) (*PKCS12Signer, error) {
	if cert == nil {
		return nil, fmt.Errorf("signing certificate is required")
	}
	if !keyMatchesCert(key, cert) {
		return nil, fmt.Errorf("private key does not match certificate %q", cert.Subject.CommonName)
	}
	s := &PKCS12Signer{
		cert:   cert,
		key:    key,
		chain:  parents,
		teamID: extractTeamID(cert),
	}
	if err := s.completeChain(); err != nil {
		return nil, fmt.Errorf("failed to build certificate chain: %w", err)
	}
	return s, nil
}

// LoadPKCS12Signer loads a signing identity from PKCS#12 data.
func LoadPKCS12Signer(p12Data []byte, password string) (*PKCS12Signer, error) {
	if bytes.HasPrefix(p12Data, []byte("-----BEGIN")) {
		return nil, fmt.Errorf("PEM private key needs a provisioning profile to supply the certificate")
	}
	key, cert, caCerts, err := gop12.DecodeChain(p12Data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}
	return NewPKCS12Signer(cert, key, caCerts)
}

// LoadSignerWithProfile loads a PKCS#12 identity, or a PEM private key
// whose certificate is taken from the provisioning profile.
func LoadSignerWithProfile(keyData []byte, password string, profile *ProvisioningProfile) (*PKCS12Signer, error) {
	if !bytes.HasPrefix(keyData, []byte("-----BEGIN")) {
		return LoadPKCS12Signer(keyData, password)
	}
	key, err := parsePEMKey(keyData)
	if err != nil {
		return nil, err
	}
	certs, err := profile.GetCertificates()
	if err != nil {
		return nil, fmt.Errorf("failed to get certificates from profile: %w", err)
	}
	for _, cert := range certs {
		if keyMatchesCert(key, cert) {
			return NewPKCS12Signer(cert, key, nil)
		}
	}
	return nil, fmt.Errorf("no certificate in provisioning profile matches the provided private key")
}

func parsePEMKey(pemData []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	var key crypto.PrivateKey
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM type: %s", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// completeChain appends the Apple intermediate and root when the leaf was
// issued by WWDR G3 and the bundle did not carry them.
func (s *PKCS12Signer) completeChain() error {
	if len(s.chain) >= 2 {
		return nil
	}
	cas, err := appleCACertificates()
	if err != nil {
		return err
	}
	wwdr := cas[0]
	if !bytes.Equal(s.cert.RawIssuer, wwdr.RawSubject) {
		return nil
	}
	s.chain = cas
	return nil
}

func (s *PKCS12Signer) Certificate() *x509.Certificate { return s.cert }
func (s *PKCS12Signer) TeamID() string                 { return s.teamID }

// SetTeamID overrides the team identifier taken from the certificate.
func (s *PKCS12Signer) SetTeamID(teamID string) { s.teamID = teamID }

// Chain returns the issuing certificates included in signatures.
func (s *PKCS12Signer) Chain() []*x509.Certificate { return s.chain }

// Sign returns a detached SHA-256 CMS signature over data. When data is a
// CodeDirectory the Apple CDHashes attributes are included.
func (s *PKCS12Signer) Sign(data []byte) ([]byte, error) {
	return s.SignCodeDirectories([][]byte{data})
}

// SignCodeDirectories signs cds[0] and lists the hash of every directory
// in the CDHashes attributes.
func (s *PKCS12Signer) SignCodeDirectories(cds [][]byte) ([]byte, error) {
	if len(cds) == 0 {
		return nil, fmt.Errorf("nothing to sign")
	}
	signedData, err := pkcs7.NewSignedData(cds[0])
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	signedData.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	attrs, err := buildCDHashesAttributes(cds)
	if err != nil {
		return nil, fmt.Errorf("failed to build CDHashes attributes: %w", err)
	}
	config := pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}
	if err := signedData.AddSignerChain(s.cert, s.key, s.chain, config); err != nil {
		return nil, fmt.Errorf("failed to add signer chain: %w", err)
	}
	signedData.Detach()

	der, err := signedData.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signing: %w", err)
	}
	return der, nil
}

var (
	oidCDHashesPlist = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 1}
	oidCDHashes2     = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 2}
	oidSHA256        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// buildCDHashesAttributes builds the Apple signed attributes:
//   - 1.2.840.113635.100.9.1: plist {cdhashes: [20 byte hash per CD]}
//   - 1.2.840.113635.100.9.2: SEQUENCE {sha256 OID, hash} per SHA-256 CD
func buildCDHashesAttributes(cds [][]byte) ([]pkcs7.Attribute, error) {
	var truncated [][]byte
	var full []asn1.RawValue
	for _, cd := range cds {
		if cdHashTypeOf(cd) == CS_HASHTYPE_SHA1 {
			h := sha1.Sum(cd)
			truncated = append(truncated, h[:])
			continue
		}
		h := sha256.Sum256(cd)
		truncated = append(truncated, h[:20])
		v, err := buildCDHashes2ASN1(h[:])
		if err != nil {
			return nil, err
		}
		full = append(full, v)
	}

	hashesPlist, err := plist.Marshal(map[string]interface{}{"cdhashes": truncated}, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CDHashes plist: %w", err)
	}
	attrs := []pkcs7.Attribute{{Type: oidCDHashesPlist, Value: hashesPlist}}
	for _, v := range full {
		attrs = append(attrs, pkcs7.Attribute{Type: oidCDHashes2, Value: v})
	}
	return attrs, nil
}

// cdHashTypeOf reads the hash type byte of a serialized CodeDirectory, or
// returns 0 for anything else.
func cdHashTypeOf(cd []byte) uint8 {
	if len(cd) <= cdHashTypeOff {
		return 0
	}
	return cd[cdHashTypeOff]
}

func buildCDHashes2ASN1(sha256Hash []byte) (asn1.RawValue, error) {
	type hashSeq struct {
		Algorithm asn1.ObjectIdentifier
		Hash      []byte
	}
	encoded, err := asn1.Marshal(hashSeq{Algorithm: oidSHA256, Hash: sha256Hash})
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{FullBytes: encoded}, nil
}

// keyMatchesCert checks if a private key matches a certificate's public key
func keyMatchesCert(privateKey crypto.PrivateKey, cert *x509.Certificate) bool {
	switch priv := privateKey.(type) {
	case *rsa.PrivateKey:
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return priv.N.Cmp(pub.N) == 0 && priv.E == pub.E
		}
	case *ecdsa.PrivateKey:
		if pub, ok := cert.PublicKey.(*ecdsa.PublicKey); ok {
			return priv.PublicKey.Equal(pub)
		}
	}
	return false
}

// extractTeamID returns the 10 character Apple team identifier from the
// certificate's organizational unit.
func extractTeamID(cert *x509.Certificate) string {
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}
