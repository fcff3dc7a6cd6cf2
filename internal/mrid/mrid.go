// Package mrid encodes and decodes sep2 Master Resource Identifiers: a
// 128-bit value multiplexing a resource-type tag, the deployment's IANA
// Private Enterprise Number, and a tag-specific payload, rendered as a
// 32-character hex string.
package mrid

import (
	"fmt"
	"math/big"
	"strings"
)

// MridType tags the kind of resource an MRID addresses. Values match the
// reference server's MridType enum exactly; they are wire-visible and must
// not be renumbered.
type MridType int

const (
	DefaultDOE               MridType = 1
	DERProgram               MridType = 2
	DynamicOperatingEnvelope MridType = 3
	FunctionSetAssignment    MridType = 4
	Tariff                   MridType = 7
	RateComponent            MridType = 8
	TimeTariffInterval       MridType = 9
	ResponseSet              MridType = 10
)

const (
	totalBits   = 128
	tagBits     = 4
	penBits     = 32
	payloadBits = totalBits - tagBits - penBits // 92
	hexLen      = totalBits / 4
)

// PENMismatchError reports an MRID whose embedded PEN does not match the
// server's configured PEN.
type PENMismatchError struct {
	Embedded, Configured uint32
}

func (e *PENMismatchError) Error() string {
	return fmt.Sprintf("mrid: embedded PEN %d does not match configured PEN %d", e.Embedded, e.Configured)
}

// TagMismatchError reports an MRID decoded by the wrong tag-specific helper.
type TagMismatchError struct {
	Got, Want MridType
}

func (e *TagMismatchError) Error() string {
	return fmt.Sprintf("mrid: expected tag %d, got %d", e.Want, e.Got)
}

// encode packs tag (4 bits), pen (32 bits) and a payload bit-pattern
// (92 bits, built by packFields) into a 32-hex-char MRID.
func encode(tag MridType, pen uint32, payload *big.Int) string {
	v := new(big.Int).SetInt64(int64(tag))
	v.Lsh(v, penBits)
	v.Or(v, new(big.Int).SetUint64(uint64(pen)))
	v.Lsh(v, payloadBits)
	v.Or(v, payload)

	hexStr := v.Text(16)

	return strings.Repeat("0", hexLen-len(hexStr)) + hexStr
}

// decode splits an MRID hex string into its tag, PEN, and raw payload.
func decode(m string) (MridType, uint32, *big.Int, error) {
	m = strings.ToLower(strings.TrimSpace(m))
	if len(m) != hexLen {
		return 0, 0, nil, fmt.Errorf("mrid: expected %d hex chars, got %d", hexLen, len(m))
	}

	v, ok := new(big.Int).SetString(m, 16)
	if !ok {
		return 0, 0, nil, fmt.Errorf("mrid: %q is not valid hex", m)
	}

	payloadMask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), payloadBits), big.NewInt(1))
	payload := new(big.Int).And(v, payloadMask)

	rest := new(big.Int).Rsh(v, payloadBits)

	penMask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), penBits), big.NewInt(1))
	pen := new(big.Int).And(rest, penMask)

	tag := new(big.Int).Rsh(rest, penBits)

	return MridType(tag.Int64()), uint32(pen.Uint64()), payload, nil
}

// DecodeAndValidateType decodes m, rejecting it if the embedded PEN does not
// match serverPEN, and returns the tag so the caller can dispatch to the
// matching DecodeXxx helper.
func DecodeAndValidateType(m string, serverPEN uint32) (MridType, error) {
	tag, pen, _, err := decode(m)
	if err != nil {
		return 0, err
	}

	if pen != serverPEN {
		return 0, &PENMismatchError{Embedded: pen, Configured: serverPEN}
	}

	return tag, nil
}

// packFields concatenates values MSB-first, each truncated to its
// corresponding bit width, into a single big.Int.
func packFields(widths []int, values ...uint64) *big.Int {
	v := new(big.Int)

	for i, width := range widths {
		mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), width), big.NewInt(1))
		field := new(big.Int).And(new(big.Int).SetUint64(values[i]), mask)

		v.Lsh(v, width)
		v.Or(v, field)
	}

	return v
}

// unpackFields reverses packFields given the same widths, MSB-first.
func unpackFields(widths []int, payload *big.Int) []uint64 {
	out := make([]uint64, len(widths))

	// Walk widths in reverse: the last field occupies the least-significant bits.
	remaining := new(big.Int).Set(payload)
	for i := len(widths) - 1; i >= 0; i-- {
		width := widths[i]
		mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), width), big.NewInt(1))
		out[i] = new(big.Int).And(remaining, mask).Uint64()
		remaining.Rsh(remaining, width)
	}

	return out
}

// EncodeDefaultDOE encodes a DefaultDOE MRID for siteID.
func EncodeDefaultDOE(pen uint32, siteID int64) string {
	return encode(DefaultDOE, pen, packFields([]int{payloadBits}, uint64(siteID)))
}

// DecodeDefaultDOE decodes a DefaultDOE MRID, returning its siteID.
func DecodeDefaultDOE(m string, serverPEN uint32) (int64, error) {
	tag, siteID, err := decodeSingleID(m, serverPEN, DefaultDOE)

	return siteID, tagErrOr(err, tag, DefaultDOE)
}

// EncodeDERProgram encodes a DERProgram MRID for siteID.
func EncodeDERProgram(pen uint32, siteID int64) string {
	return encode(DERProgram, pen, packFields([]int{payloadBits}, uint64(siteID)))
}

// DecodeDERProgram decodes a DERProgram MRID, returning its siteID.
func DecodeDERProgram(m string, serverPEN uint32) (int64, error) {
	tag, siteID, err := decodeSingleID(m, serverPEN, DERProgram)

	return siteID, tagErrOr(err, tag, DERProgram)
}

// EncodeDOE encodes a DynamicOperatingEnvelope MRID for doeID.
func EncodeDOE(pen uint32, doeID int64) string {
	return encode(DynamicOperatingEnvelope, pen, packFields([]int{payloadBits}, uint64(doeID)))
}

// DecodeDOE decodes a DynamicOperatingEnvelope MRID, returning its doeID.
func DecodeDOE(m string, serverPEN uint32) (int64, error) {
	tag, doeID, err := decodeSingleID(m, serverPEN, DynamicOperatingEnvelope)

	return doeID, tagErrOr(err, tag, DynamicOperatingEnvelope)
}

// EncodeTariff encodes a Tariff MRID for tariffID.
func EncodeTariff(pen uint32, tariffID int64) string {
	return encode(Tariff, pen, packFields([]int{payloadBits}, uint64(tariffID)))
}

// DecodeTariff decodes a Tariff MRID, returning its tariffID.
func DecodeTariff(m string, serverPEN uint32) (int64, error) {
	tag, tariffID, err := decodeSingleID(m, serverPEN, Tariff)

	return tariffID, tagErrOr(err, tag, Tariff)
}

func decodeSingleID(m string, serverPEN uint32, want MridType) (MridType, int64, error) {
	tag, payload, err := decodeValidated(m, serverPEN)
	if err != nil {
		return 0, 0, err
	}

	id := int64(unpackFields([]int{payloadBits}, payload)[0])

	return tag, id, checkTag(tag, want)
}

func decodeValidated(m string, serverPEN uint32) (MridType, *big.Int, error) {
	tag, pen, payload, err := decode(m)
	if err != nil {
		return 0, nil, err
	}

	if pen != serverPEN {
		return 0, nil, &PENMismatchError{Embedded: pen, Configured: serverPEN}
	}

	return tag, payload, nil
}

func checkTag(got, want MridType) error {
	if got != want {
		return &TagMismatchError{Got: got, Want: want}
	}

	return nil
}

func tagErrOr(primary error, got, want MridType) error {
	if primary != nil {
		return primary
	}

	return checkTag(got, want)
}

const (
	fsaSiteIDBits = 60
	fsaIDBits     = payloadBits - fsaSiteIDBits
)

// EncodeFunctionSetAssignment encodes a FunctionSetAssignment MRID.
func EncodeFunctionSetAssignment(pen uint32, siteID, fsaID int64) string {
	return encode(FunctionSetAssignment, pen, packFields([]int{fsaSiteIDBits, fsaIDBits}, uint64(siteID), uint64(fsaID)))
}

// DecodeFunctionSetAssignment decodes a FunctionSetAssignment MRID.
func DecodeFunctionSetAssignment(m string, serverPEN uint32) (siteID, fsaID int64, err error) {
	tag, payload, err := decodeValidated(m, serverPEN)
	if err != nil {
		return 0, 0, err
	}

	fields := unpackFields([]int{fsaSiteIDBits, fsaIDBits}, payload)

	return int64(fields[0]), int64(fields[1]), checkTag(tag, FunctionSetAssignment)
}

const (
	pricingReadingTypeBits = 4
	rateComponentIDBits    = (payloadBits - pricingReadingTypeBits) / 2
)

// EncodeRateComponent encodes a RateComponent MRID.
func EncodeRateComponent(pen uint32, tariffID, siteID int64, pricingReadingType int) string {
	widths := []int{rateComponentIDBits, rateComponentIDBits, pricingReadingTypeBits}

	return encode(RateComponent, pen, packFields(widths, uint64(tariffID), uint64(siteID), uint64(pricingReadingType)))
}

// DecodeRateComponent decodes a RateComponent MRID.
func DecodeRateComponent(m string, serverPEN uint32) (tariffID, siteID int64, pricingReadingType int, err error) {
	tag, payload, err := decodeValidated(m, serverPEN)
	if err != nil {
		return 0, 0, 0, err
	}

	widths := []int{rateComponentIDBits, rateComponentIDBits, pricingReadingTypeBits}
	fields := unpackFields(widths, payload)

	return int64(fields[0]), int64(fields[1]), int(fields[2]), checkTag(tag, RateComponent)
}

const timeTariffIntervalIDBits = payloadBits - pricingReadingTypeBits

// EncodeTimeTariffInterval encodes a TimeTariffInterval MRID.
func EncodeTimeTariffInterval(pen uint32, rateID int64, pricingReadingType int) string {
	widths := []int{timeTariffIntervalIDBits, pricingReadingTypeBits}

	return encode(TimeTariffInterval, pen, packFields(widths, uint64(rateID), uint64(pricingReadingType)))
}

// DecodeTimeTariffInterval decodes a TimeTariffInterval MRID.
func DecodeTimeTariffInterval(m string, serverPEN uint32) (rateID int64, pricingReadingType int, err error) {
	tag, payload, err := decodeValidated(m, serverPEN)
	if err != nil {
		return 0, 0, err
	}

	widths := []int{timeTariffIntervalIDBits, pricingReadingTypeBits}
	fields := unpackFields(widths, payload)

	return int64(fields[0]), int(fields[1]), checkTag(tag, TimeTariffInterval)
}

// EncodeResponseSet encodes a ResponseSet MRID.
func EncodeResponseSet(pen uint32, responseSetType int) string {
	return encode(ResponseSet, pen, packFields([]int{payloadBits}, uint64(responseSetType)))
}

// DecodeResponseSet decodes a ResponseSet MRID.
func DecodeResponseSet(m string, serverPEN uint32) (int, error) {
	tag, payload, err := decodeValidated(m, serverPEN)
	if err != nil {
		return 0, err
	}

	responseSetType := int(unpackFields([]int{payloadBits}, payload)[0])

	return responseSetType, checkTag(tag, ResponseSet)
}
