// Package crx strips browser extension package headers down to the embedded zip.
package crx

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

const (
	magic        = "Cr24"
	zipMagic     = "PK\x03\x04"
	maxHeaderLen = 1 << 20
)

// CrxFileHeader field numbers.
const (
	fieldSha256WithRSA   protowire.Number = 2
	fieldSha256WithECDSA protowire.Number = 3
	fieldSignedHeader    protowire.Number = 10000
	fieldProofPublicKey  protowire.Number = 1
	fieldSignedCrxID     protowire.Number = 1
)

// Package is a parsed extension container.
type Package struct {
	Version     int
	PublicKey   []byte
	ExtensionID string
	Zip         []byte
}

// Parse validates the container header and returns the zip payload with the
// signing key and derived extension ID. A bare zip is accepted unchanged.
func Parse(data []byte) (Package, error) {
	if bytes.HasPrefix(data, []byte(zipMagic)) {
		return Package{Zip: data}, nil
	}
	if len(data) < 12 || string(data[:4]) != magic {
		return Package{}, decodeErr(errors.New("missing Cr24 magic"))
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	switch version {
	case 2:
		return parseV2(data)
	case 3:
		return parseV3(data)
	default:
		return Package{}, decodeErr(fmt.Errorf("unsupported crx version %d", version))
	}
}

func parseV2(data []byte) (Package, error) {
	if len(data) < 16 {
		return Package{}, decodeErr(errors.New("truncated crx2 header"))
	}
	keyLen := uint64(binary.LittleEndian.Uint32(data[8:12]))
	sigLen := uint64(binary.LittleEndian.Uint32(data[12:16]))
	start := 16 + keyLen + sigLen
	if start > uint64(len(data)) {
		return Package{}, decodeErr(errors.New("crx2 header exceeds file size"))
	}
	key := append([]byte(nil), data[16:16+keyLen]...)
	return Package{
		Version:     2,
		PublicKey:   key,
		ExtensionID: IDFromKey(key),
		Zip:         data[start:],
	}, nil
}

func parseV3(data []byte) (Package, error) {
	headerLen := uint64(binary.LittleEndian.Uint32(data[8:12]))
	if headerLen > maxHeaderLen || 12+headerLen > uint64(len(data)) {
		return Package{}, decodeErr(errors.New("crx3 header exceeds file size"))
	}
	header := data[12 : 12+headerLen]
	keys, crxID, err := parseHeader(header)
	if err != nil {
		return Package{}, decodeErr(err)
	}
	pkg := Package{Version: 3, Zip: data[12+headerLen:]}
	if len(crxID) == 16 {
		pkg.ExtensionID = encodeID(crxID)
	}
	for _, key := range keys {
		id := IDFromKey(key)
		if pkg.ExtensionID == "" || id == pkg.ExtensionID {
			pkg.PublicKey = key
			pkg.ExtensionID = id
			break
		}
	}
	return pkg, nil
}

// parseHeader walks the CrxFileHeader message and returns the proof keys in
// order (RSA first, then ECDSA) and the crx_id from the signed header data.
func parseHeader(b []byte) ([][]byte, []byte, error) {
	var rsa, ecdsa [][]byte
	var crxID []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, nil, fmt.Errorf("header tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, nil, fmt.Errorf("header field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		value, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, nil, fmt.Errorf("header field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldSha256WithRSA, fieldSha256WithECDSA:
			key, err := bytesField(value, fieldProofPublicKey)
			if err != nil {
				return nil, nil, fmt.Errorf("key proof: %w", err)
			}
			if len(key) == 0 {
				continue
			}
			if num == fieldSha256WithRSA {
				rsa = append(rsa, key)
			} else {
				ecdsa = append(ecdsa, key)
			}
		case fieldSignedHeader:
			id, err := bytesField(value, fieldSignedCrxID)
			if err != nil {
				return nil, nil, fmt.Errorf("signed header: %w", err)
			}
			crxID = id
		}
	}
	return append(rsa, ecdsa...), crxID, nil
}

// bytesField returns the first length-delimited field want of message b.
func bytesField(b []byte, want protowire.Number) ([]byte, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num == want && typ == protowire.BytesType {
			value, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return append([]byte(nil), value...), nil
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil, nil
}

// IDFromKey derives the 32-character extension ID from a DER public key.
func IDFromKey(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	sum := sha256.Sum256(key)
	return encodeID(sum[:16])
}

// encodeID maps each nibble to the letters a-p.
func encodeID(raw []byte) string {
	out := make([]byte, 0, len(raw)*2)
	for _, b := range raw {
		out = append(out, 'a'+(b>>4), 'a'+(b&0x0f))
	}
	return string(out)
}

func decodeErr(err error) error {
	return collector.E(collector.KindDecode, "parse crx", err)
}
