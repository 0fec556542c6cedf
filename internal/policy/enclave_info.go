package policy

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/errs"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/viper"
)

const (
	// Within an auditor's directory, the auditor's PKIX public key and its
	// signature over the enclave info file.
	auditorKeyFile = "public.der"
	auditorSigFile = "signature.sha256"
)

var (
	errThreshold   = errors.New("not enough auditor signatures")
	errKeyType     = errors.New("unsupported auditor key type")
	errNoEnclaves  = errors.New("enclave info lists no enclaves")
	errBadSig      = errors.New("signature does not verify")
	errUnknownName = errors.New("unknown enclave name")
)

// EnclaveInfo maps enclave names to their measurements.  Names are case
// insensitive.
type EnclaveInfo map[string]enclave.Measurement

// Lookup returns the measurement of the named enclave.
func (e EnclaveInfo) Lookup(name string) (enclave.Measurement, error) {
	m, ok := e[strings.ToLower(name)]
	if !ok {
		return m, fmt.Errorf("%w: %q", errUnknownName, name)
	}
	return m, nil
}

// Auditor is a party that reviews enclave builds and endorses their
// measurements.
type Auditor struct {
	Name      string
	PublicKey crypto.PublicKey
	Signature []byte
}

// LoadAuditors reads one auditor per subdirectory of dir.  Each subdirectory
// holds the auditor's DER-encoded PKIX public key and its signature over the
// enclave info file.
func LoadAuditors(dir string) (_ []Auditor, err error) {
	defer errs.Wrap(&err, "failed to load auditors from %s", dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var auditors []Auditor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		keyDER, err := os.ReadFile(filepath.Join(dir, entry.Name(), auditorKeyFile))
		if err != nil {
			return nil, err
		}
		pub, err := x509.ParsePKIXPublicKey(keyDER)
		if err != nil {
			return nil, fmt.Errorf("auditor %s: %w", entry.Name(), err)
		}
		sig, err := os.ReadFile(filepath.Join(dir, entry.Name(), auditorSigFile))
		if err != nil {
			return nil, err
		}
		auditors = append(auditors, Auditor{
			Name:      entry.Name(),
			PublicKey: pub,
			Signature: sig,
		})
	}
	return auditors, nil
}

// Verify checks the auditor's signature over content.
func (a *Auditor) Verify(content []byte) error {
	hash := sha256.Sum256(content)
	var ok bool
	switch pub := a.PublicKey.(type) {
	case *ecdsa.PublicKey:
		ok = ecdsa.VerifyASN1(pub, hash[:], a.Signature)
	case *rsa.PublicKey:
		ok = rsa.VerifyPKCS1v15(pub, crypto.SHA256, hash[:], a.Signature) == nil
	case ed25519.PublicKey:
		ok = ed25519.Verify(pub, content, a.Signature)
	default:
		return fmt.Errorf("%w: %T", errKeyType, pub)
	}
	if !ok {
		return errBadSig
	}
	return nil
}

// LoadEnclaveInfo reads the enclave info file at path after verifying that at
// least threshold of the given auditors signed it.  The file is TOML:
//
//	[frontend]
//	mr_enclave = "<hex>"
//	mr_signer = "<hex>"
//
// A threshold of 0 skips the check, which is only acceptable for testing.
func LoadEnclaveInfo(path string, auditors []Auditor, threshold int) (_ EnclaveInfo, err error) {
	defer errs.Wrap(&err, "failed to load enclave info from %s", path)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Count keys, not auditors: the same key under two names is one
	// endorsement.
	endorsers := mapset.NewThreadUnsafeSet[string]()
	for _, a := range auditors {
		if a.Verify(content) != nil {
			continue
		}
		der, err := x509.MarshalPKIXPublicKey(a.PublicKey)
		if err != nil {
			continue
		}
		endorsers.Add(string(der))
	}
	if endorsers.Cardinality() < threshold {
		return nil, fmt.Errorf("%w: %w: have %d, want %d",
			errs.Signature, errThreshold, endorsers.Cardinality(), threshold)
	}

	return parseEnclaveInfo(content)
}

func parseEnclaveInfo(content []byte) (EnclaveInfo, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, err
	}

	var raw map[string]struct {
		MREnclave string `mapstructure:"mr_enclave"`
		MRSigner  string `mapstructure:"mr_signer"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errNoEnclaves
	}

	info := make(EnclaveInfo, len(raw))
	for name, r := range raw {
		m, err := enclave.ParseMeasurement(r.MREnclave, r.MRSigner)
		if err != nil {
			return nil, fmt.Errorf("enclave %s: %w", name, err)
		}
		info[strings.ToLower(name)] = m
	}
	return info, nil
}
