// Package certid derives IEEE 2030.5 long-form and short-form device
// identifiers (LFDI/SFDI) from TLS client certificate material.
package certid

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
)

// LFDILength is the length in hex characters of a valid LFDI (160 bits).
const LFDILength = 40

// LFDIFromFingerprint validates and lowercases a raw SHA-256 fingerprint
// header value, taking the first LFDILength hex characters as the LFDI
// (the fingerprint is the full 64-char SHA-256 digest; the LFDI is its
// left-truncation to 160 bits).
func LFDIFromFingerprint(fingerprint string) (string, error) {
	decoded, err := url.QueryUnescape(fingerprint)
	if err != nil {
		return "", fmt.Errorf("certid: invalid fingerprint encoding: %w", err)
	}

	decoded = strings.ToLower(strings.TrimSpace(decoded))
	if len(decoded) < LFDILength {
		return "", fmt.Errorf("certid: fingerprint too short: %d chars", len(decoded))
	}

	if _, err := hex.DecodeString(decoded[:LFDILength]); err != nil {
		return "", fmt.Errorf("certid: fingerprint is not valid hex: %w", err)
	}

	return decoded[:LFDILength], nil
}

// LFDIFromPEM derives the LFDI from a PEM-armored X.509 certificate: the
// DER bytes are SHA-256 hashed and the first 20 bytes (160 bits) are
// rendered as lowercase hex.
func LFDIFromPEM(pemText string) (string, error) {
	decoded, err := url.QueryUnescape(pemText)
	if err != nil {
		return "", fmt.Errorf("certid: invalid PEM encoding: %w", err)
	}

	der, err := certDERFromPEM(decoded)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(der)

	return hex.EncodeToString(sum[:20]), nil
}

// certDERFromPEM decodes the text with encoding/pem if it is a well-formed
// PEM block. Otherwise it falls back to stripping the first and last lines
// and base64-decoding the rest, which handles the common case of a
// header-forwarded single-line-wrapped cert from a terminating proxy.
func certDERFromPEM(text string) ([]byte, error) {
	if block, _ := pem.Decode([]byte(text)); block != nil {
		return block.Bytes, nil
	}

	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < 3 {
		return nil, fmt.Errorf("certid: PEM body too short")
	}

	body := strings.Join(lines[1:len(lines)-1], "")

	der, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("certid: PEM body is not valid base64: %w", err)
	}

	return der, nil
}

// SFDI derives the short-form device identifier from an LFDI: the
// left-most 36 bits (9 hex chars) interpreted as an unsigned integer, with
// a trailing check digit appended that brings the decimal digit sum to the
// next multiple of ten.
func SFDI(lfdi string) (uint64, error) {
	lfdi = strings.ToLower(strings.TrimSpace(lfdi))
	if len(lfdi) < 10 {
		return 0, fmt.Errorf("certid: LFDI too short to derive SFDI: %d chars", len(lfdi))
	}

	leading, ok := new(big.Int).SetString(lfdi[:9], 16)
	if !ok {
		return 0, fmt.Errorf("certid: LFDI prefix is not valid hex: %q", lfdi[:9])
	}

	check := luhnCheckDigit(leading)

	sfdiStr := leading.String() + strconv.Itoa(check)

	sfdi, err := strconv.ParseUint(sfdiStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("certid: SFDI overflow: %w", err)
	}

	return sfdi, nil
}

// luhnCheckDigit computes the sep2 SFDI check digit: the sum of the decimal
// digits of n, complemented to the next multiple of 10 (0 if already a
// multiple of 10).
func luhnCheckDigit(n *big.Int) int {
	sum := digitSum(n)

	return (10 - sum%10) % 10
}

func digitSum(n *big.Int) int {
	sum := 0

	for _, r := range n.String() {
		sum += int(r - '0')
	}

	return sum
}
