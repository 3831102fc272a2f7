package distribution

import (
	"archive/zip"
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"RiskEngine/internal/domain"
	"RiskEngine/internal/ports"
)

const (
	exportBinary    = "export.bin"
	exportSignature = "export.sig"

	maxEntrySize = 32 << 20
)

var errMalformedExport = errors.New("malformed export archive")

// ExportCodec verifies export archives and decodes trace-warning payloads.
// Without a public key only the archive structure is checked.
type ExportCodec struct {
	key *ecdsa.PublicKey
}

var _ ports.PackageVerifier = (*ExportCodec)(nil)
var _ ports.TraceWarningDecoder = (*ExportCodec)(nil)

// NewExportCodec parses an optional PEM encoded ECDSA public key.
func NewExportCodec(publicKeyPEM string) (*ExportCodec, error) {
	if strings.TrimSpace(publicKeyPEM) == "" {
		return &ExportCodec{}, nil
	}

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("distribution: public key is not PEM encoded")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("distribution: parse public key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("distribution: public key is %T, want ECDSA", parsed)
	}
	return &ExportCodec{key: key}, nil
}

// Verify checks the archive layout and, when a key is configured, the
// signature over export.bin.
func (c *ExportCodec) Verify(payload []byte) error {
	bin, sig, err := readExport(payload)
	if err != nil {
		return err
	}
	if c.key == nil {
		return nil
	}

	digest := sha256.Sum256(bin)
	if !ecdsa.VerifyASN1(c.key, digest[:], sig) {
		return fmt.Errorf("%w: signature mismatch", errMalformedExport)
	}
	return nil
}

// DecodeTraceWarnings reads the warnings carried by a trace-warning package.
func (c *ExportCodec) DecodeTraceWarnings(payload []byte) ([]domain.TraceWarning, error) {
	bin, _, err := readExport(payload)
	if err != nil {
		return nil, err
	}

	var body domain.TraceWarningPackage
	if err := json.Unmarshal(bin, &body); err != nil {
		return nil, fmt.Errorf("decode trace warnings: %w", err)
	}
	return body.Warnings, nil
}

// BuildExport packs bin into an export archive. The signature entry is signed
// with key when given and left empty otherwise.
func BuildExport(bin []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	var sig []byte
	if key != nil {
		digest := sha256.Sum256(bin)
		signed, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
		if err != nil {
			return nil, fmt.Errorf("sign export: %w", err)
		}
		sig = signed
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, entry := range []struct {
		name string
		data []byte
	}{{exportBinary, bin}, {exportSignature, sig}} {
		w, err := zw.Create(entry.name)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", entry.name, err)
		}
		if _, err := w.Write(entry.data); err != nil {
			return nil, fmt.Errorf("write %s: %w", entry.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close export: %w", err)
	}
	return buf.Bytes(), nil
}

func readExport(payload []byte) (bin, sig []byte, err error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errMalformedExport, err)
	}

	var foundSig bool
	for _, f := range zr.File {
		switch f.Name {
		case exportBinary:
			if bin, err = readEntry(f); err != nil {
				return nil, nil, err
			}
		case exportSignature:
			if sig, err = readEntry(f); err != nil {
				return nil, nil, err
			}
			foundSig = true
		}
	}

	if len(bin) == 0 {
		return nil, nil, fmt.Errorf("%w: missing or empty %s", errMalformedExport, exportBinary)
	}
	if !foundSig {
		return nil, nil, fmt.Errorf("%w: missing %s", errMalformedExport, exportSignature)
	}
	return bin, sig, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errMalformedExport, f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errMalformedExport, f.Name, err)
	}
	if len(data) > maxEntrySize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", errMalformedExport, f.Name, maxEntrySize)
	}
	return data, nil
}
