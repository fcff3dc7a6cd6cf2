// Package scope derives the per-request authorization context from a
// client's TLS certificate and attaches it to the fiber request, the way
// the reference server's auth dependency resolves aggregator/device
// identity ahead of every handler.
package scope

import (
	"context"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/gridedge/der-utility-server/internal/apperr"
	"github.com/gridedge/der-utility-server/internal/certid"
)

// NullAggregatorID marks a device-cert request not yet attached to any
// aggregator of record.
const NullAggregatorID = 0

// Source identifies which kind of client certificate produced a scope.
type Source int

const (
	AggregatorCert Source = iota
	DeviceCert
)

func (s Source) String() string {
	if s == AggregatorCert {
		return "AGGREGATOR_CERT"
	}

	return "DEVICE_CERT"
}

// ClientIdentity is the row resolved from CertificateAssignment for an
// aggregator certificate: LFDI, its aggregator, and expiry.
type ClientIdentity struct {
	LFDI          string
	AggregatorID  int64
	ExpirySeconds int64 // unix seconds; 0 means never expires
}

func (c ClientIdentity) isExpired(now time.Time) bool {
	return c.ExpirySeconds != 0 && now.Unix() > c.ExpirySeconds
}

// AggregatorCertLookup resolves an LFDI to its CertificateAssignment row,
// via the expiring aggregator-cert cache; ok=false means the LFDI is not a
// known aggregator certificate.
type AggregatorCertLookup func(ctx context.Context, lfdi string) (ClientIdentity, bool, error)

// DeviceSiteLookup resolves a device cert's (sfdi, aggregator_id) pair to a
// registered site id; ok=false means no site is registered yet.
type DeviceSiteLookup func(ctx context.Context, sfdi uint64, aggregatorID int64) (siteID int64, ok bool, err error)

// UnregisteredScope is the minimal claim set produced by the auth stage,
// sufficient for /dcap and POST /edev (device registration) where no site
// need yet exist.
type UnregisteredScope struct {
	LFDI         string
	SFDI         uint64
	AggregatorID int64
	SiteID       *int64
	Source       Source
	HrefPrefix   string
	PEN          uint32
}

// DeviceOrAggregatorScope narrows UnregisteredScope to a required target
// site, 0 meaning the aggregator's own virtual end-device.
type DeviceOrAggregatorScope struct {
	UnregisteredScope

	TargetSiteID int64
}

// SiteScope further asserts the target site is a real, non-virtual site.
type SiteScope struct {
	DeviceOrAggregatorScope
}

// AsDeviceOrAggregatorScope narrows u to a DeviceOrAggregatorScope for
// targetSiteID (0 permitted, meaning the aggregator's virtual end-device).
func (u UnregisteredScope) AsDeviceOrAggregatorScope(targetSiteID int64) DeviceOrAggregatorScope {
	return DeviceOrAggregatorScope{UnregisteredScope: u, TargetSiteID: targetSiteID}
}

// AsSiteScope narrows d to a SiteScope, rejecting the virtual end-device id 0.
func (d DeviceOrAggregatorScope) AsSiteScope() (SiteScope, error) {
	if d.TargetSiteID == 0 {
		return SiteScope{}, apperr.BadRequest("operation requires a concrete site, not the aggregator's virtual end-device")
	}

	return SiteScope{DeviceOrAggregatorScope: d}, nil
}

// Resolver builds UnregisteredScope values from inbound requests.
type Resolver struct {
	CertHeader              string
	AllowDeviceRegistration bool
	HrefPrefix              string
	PEN                     uint32

	AggregatorLookup AggregatorCertLookup
	DeviceLookup     DeviceSiteLookup
}

// Resolve implements the derivation rules: AGGREGATOR_CERT resolves
// aggregator_id via the certificate cache; DEVICE_CERT resolves (or leaves
// unresolved) a site id via (sfdi, NullAggregatorID), rejecting the request
// if device registration is disabled and no site yet exists. An expired
// aggregator certificate is rejected even if still cached.
func (r *Resolver) Resolve(ctx context.Context, certHeaderValue string) (UnregisteredScope, error) {
	decoded, err := url.QueryUnescape(certHeaderValue)
	if err != nil {
		return UnregisteredScope{}, apperr.BadRequest("unrecognised client certificate")
	}

	var lfdi string
	if len(decoded) > 0 && decoded[0] == '-' {
		lfdi, err = certid.LFDIFromPEM(decoded)
	} else {
		lfdi, err = certid.LFDIFromFingerprint(decoded)
	}

	if err != nil {
		return UnregisteredScope{}, apperr.BadRequest("unrecognised client certificate")
	}

	sfdi, err := certid.SFDI(lfdi)
	if err != nil {
		return UnregisteredScope{}, apperr.BadRequest("unrecognised client certificate")
	}

	identity, ok, err := r.AggregatorLookup(ctx, lfdi)
	if err != nil {
		return UnregisteredScope{}, apperr.Internal(err, "certificate lookup failed")
	}

	if ok {
		if identity.isExpired(time.Now().UTC()) {
			return UnregisteredScope{}, apperr.Forbidden("client certificate %s is marked as expired by the server", lfdi)
		}

		return UnregisteredScope{
			LFDI:         lfdi,
			SFDI:         sfdi,
			AggregatorID: identity.AggregatorID,
			Source:       AggregatorCert,
			HrefPrefix:   r.HrefPrefix,
			PEN:          r.PEN,
		}, nil
	}

	var siteID *int64

	if r.DeviceLookup != nil {
		resolvedSiteID, found, err := r.DeviceLookup(ctx, sfdi, NullAggregatorID)
		if err != nil {
			return UnregisteredScope{}, apperr.Internal(err, "site lookup failed")
		}

		if found {
			siteID = &resolvedSiteID
		}
	}

	if siteID == nil && !r.AllowDeviceRegistration {
		return UnregisteredScope{}, apperr.Forbidden("unrecognised client certificate")
	}

	return UnregisteredScope{
		LFDI:         lfdi,
		SFDI:         sfdi,
		AggregatorID: NullAggregatorID,
		SiteID:       siteID,
		Source:       DeviceCert,
		HrefPrefix:   r.HrefPrefix,
		PEN:          r.PEN,
	}, nil
}

const localsKey = "scope"

// Middleware resolves the request's UnregisteredScope from the configured
// certificate header and attaches it to the fiber context.
func (r *Resolver) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		headerVal := c.Get(r.CertHeader)
		if headerVal == "" {
			log.Error().Str("header", r.CertHeader).Msg("missing certificate PEM header/fingerprint from gateway")

			return apperr.Internal(nil, "missing certificate PEM header/fingerprint from gateway")
		}

		s, err := r.Resolve(c.Context(), headerVal)
		if err != nil {
			return err
		}

		c.Locals(localsKey, s)

		return c.Next()
	}
}

// FromContext retrieves the UnregisteredScope attached by Middleware.
func FromContext(c *fiber.Ctx) (UnregisteredScope, bool) {
	s, ok := c.Locals(localsKey).(UnregisteredScope)

	return s, ok
}
