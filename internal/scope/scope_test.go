package scope

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridedge/der-utility-server/internal/apperr"
	"github.com/gridedge/der-utility-server/internal/certid"
)

func fingerprintFor(t *testing.T, seed string) (fingerprint, lfdi string) {
	t.Helper()

	sum := sha256.Sum256([]byte(seed))
	fingerprint = hex.EncodeToString(sum[:])

	lfdi, err := certid.LFDIFromFingerprint(fingerprint)
	require.NoError(t, err)

	return fingerprint, lfdi
}

func TestResolver_AggregatorCert(t *testing.T) {
	fingerprint, lfdi := fingerprintFor(t, "aggregator cert")

	r := &Resolver{
		CertHeader:              "x-cert",
		AllowDeviceRegistration: false,
		HrefPrefix:              "/",
		PEN:                     1,
		AggregatorLookup: func(_ context.Context, gotLFDI string) (ClientIdentity, bool, error) {
			assert.Equal(t, lfdi, gotLFDI)

			return ClientIdentity{LFDI: lfdi, AggregatorID: 7}, true, nil
		},
		DeviceLookup: func(_ context.Context, _ uint64, _ int64) (int64, bool, error) {
			t.Fatal("device lookup should not be called for a known aggregator cert")

			return 0, false, nil
		},
	}

	s, err := r.Resolve(context.Background(), fingerprint)
	require.NoError(t, err)
	assert.Equal(t, AggregatorCert, s.Source)
	assert.Equal(t, int64(7), s.AggregatorID)
}

func TestResolver_ExpiredAggregatorCertIsRejected(t *testing.T) {
	fingerprint, lfdi := fingerprintFor(t, "expired cert")

	r := &Resolver{
		CertHeader: "x-cert",
		AggregatorLookup: func(_ context.Context, _ string) (ClientIdentity, bool, error) {
			return ClientIdentity{LFDI: lfdi, AggregatorID: 7, ExpirySeconds: time.Now().Add(-time.Hour).Unix()}, true, nil
		},
	}

	_, err := r.Resolve(context.Background(), fingerprint)
	require.Error(t, err)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestResolver_DeviceCertWithExistingSite(t *testing.T) {
	fingerprint, _ := fingerprintFor(t, "device cert")

	r := &Resolver{
		CertHeader:              "x-cert",
		AllowDeviceRegistration: true,
		AggregatorLookup: func(_ context.Context, _ string) (ClientIdentity, bool, error) {
			return ClientIdentity{}, false, nil
		},
		DeviceLookup: func(_ context.Context, _ uint64, aggregatorID int64) (int64, bool, error) {
			assert.Equal(t, int64(NullAggregatorID), aggregatorID)

			return 42, true, nil
		},
	}

	s, err := r.Resolve(context.Background(), fingerprint)
	require.NoError(t, err)
	assert.Equal(t, DeviceCert, s.Source)
	require.NotNil(t, s.SiteID)
	assert.Equal(t, int64(42), *s.SiteID)
}

func TestResolver_DeviceCertRejectedWhenRegistrationDisabled(t *testing.T) {
	fingerprint, _ := fingerprintFor(t, "unregistered device")

	r := &Resolver{
		CertHeader:              "x-cert",
		AllowDeviceRegistration: false,
		AggregatorLookup: func(_ context.Context, _ string) (ClientIdentity, bool, error) {
			return ClientIdentity{}, false, nil
		},
	}

	_, err := r.Resolve(context.Background(), fingerprint)
	require.Error(t, err)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestDeviceOrAggregatorScope_AsSiteScopeRejectsVirtualDevice(t *testing.T) {
	u := UnregisteredScope{LFDI: "abc"}
	d := u.AsDeviceOrAggregatorScope(0)

	_, err := d.AsSiteScope()
	require.Error(t, err)
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
}

func TestDeviceOrAggregatorScope_AsSiteScopeAcceptsRealSite(t *testing.T) {
	u := UnregisteredScope{LFDI: "abc"}
	d := u.AsDeviceOrAggregatorScope(5)

	s, err := d.AsSiteScope()
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.TargetSiteID)
}
