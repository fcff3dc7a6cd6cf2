package mrid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPEN = uint32(12345)

func TestDefaultDOE_Roundtrip(t *testing.T) {
	m := EncodeDefaultDOE(testPEN, 99)

	siteID, err := DecodeDefaultDOE(m, testPEN)
	require.NoError(t, err)
	assert.Equal(t, int64(99), siteID)
}

func TestDERProgram_Roundtrip(t *testing.T) {
	m := EncodeDERProgram(testPEN, 42)

	siteID, err := DecodeDERProgram(m, testPEN)
	require.NoError(t, err)
	assert.Equal(t, int64(42), siteID)
}

func TestDOE_Roundtrip(t *testing.T) {
	m := EncodeDOE(testPEN, 123456789)

	doeID, err := DecodeDOE(m, testPEN)
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), doeID)
}

func TestTariff_Roundtrip(t *testing.T) {
	m := EncodeTariff(testPEN, 7)

	tariffID, err := DecodeTariff(m, testPEN)
	require.NoError(t, err)
	assert.Equal(t, int64(7), tariffID)
}

func TestFunctionSetAssignment_Roundtrip(t *testing.T) {
	m := EncodeFunctionSetAssignment(testPEN, 10, 20)

	siteID, fsaID, err := DecodeFunctionSetAssignment(m, testPEN)
	require.NoError(t, err)
	assert.Equal(t, int64(10), siteID)
	assert.Equal(t, int64(20), fsaID)
}

func TestRateComponent_Roundtrip(t *testing.T) {
	m := EncodeRateComponent(testPEN, 5, 6, 2)

	tariffID, siteID, pricingReadingType, err := DecodeRateComponent(m, testPEN)
	require.NoError(t, err)
	assert.Equal(t, int64(5), tariffID)
	assert.Equal(t, int64(6), siteID)
	assert.Equal(t, 2, pricingReadingType)
}

func TestTimeTariffInterval_Roundtrip(t *testing.T) {
	m := EncodeTimeTariffInterval(testPEN, 555, 3)

	rateID, pricingReadingType, err := DecodeTimeTariffInterval(m, testPEN)
	require.NoError(t, err)
	assert.Equal(t, int64(555), rateID)
	assert.Equal(t, 3, pricingReadingType)
}

func TestResponseSet_Roundtrip(t *testing.T) {
	m := EncodeResponseSet(testPEN, 1)

	responseSetType, err := DecodeResponseSet(m, testPEN)
	require.NoError(t, err)
	assert.Equal(t, 1, responseSetType)
}

func TestDecode_RejectsPENMismatch(t *testing.T) {
	m := EncodeDefaultDOE(testPEN, 99)

	_, err := DecodeDefaultDOE(m, testPEN+1)
	require.Error(t, err)

	var penErr *PENMismatchError
	require.ErrorAs(t, err, &penErr)
	assert.Equal(t, testPEN, penErr.Embedded)
	assert.Equal(t, testPEN+1, penErr.Configured)
}

func TestDecode_RejectsWrongTag(t *testing.T) {
	m := EncodeTariff(testPEN, 7)

	_, err := DecodeDOE(m, testPEN)
	require.Error(t, err)

	var tagErr *TagMismatchError
	require.ErrorAs(t, err, &tagErr)
	assert.Equal(t, Tariff, tagErr.Got)
	assert.Equal(t, DynamicOperatingEnvelope, tagErr.Want)
}

func TestDecodeAndValidateType_ReturnsTagForDispatch(t *testing.T) {
	m := EncodeRateComponent(testPEN, 1, 2, 3)

	tag, err := DecodeAndValidateType(m, testPEN)
	require.NoError(t, err)
	assert.Equal(t, RateComponent, tag)
}

func TestEncode_ProducesFixedLengthHex(t *testing.T) {
	m := EncodeDefaultDOE(testPEN, 1)
	assert.Len(t, m, hexLen)
}
