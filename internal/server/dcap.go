package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// dcapResponse is the DeviceCapability document: pollrate plus counts of
// the resource lists visible to the caller, per §6.
type dcapResponse struct {
	PollRateSeconds    int   `json:"pollRate"`
	EndDeviceListLink  link  `json:"EndDeviceListLink"`
	MirrorUsagePointListLink link `json:"MirrorUsagePointListLink"`
	TimeLink           link  `json:"TimeLink"`
}

type link struct {
	Href string `json:"href"`
	All  int64  `json:"all"`
}

const defaultPollRateSeconds = 300

// dcapHandler implements GET /dcap.
func (a *App) dcapHandler(c *fiber.Ctx) error {
	s, err := requestScope(c)
	if err != nil {
		return err
	}

	edevCount, err := a.db.CountSitesForAggregator(c.Context(), s.AggregatorID)
	if err != nil {
		return err
	}

	mupCount, err := a.db.CountReadingTypesForAggregator(c.Context(), s.AggregatorID)
	if err != nil {
		return err
	}

	return c.JSON(dcapResponse{
		PollRateSeconds:   defaultPollRateSeconds,
		EndDeviceListLink: link{Href: s.HrefPrefix + "/edev", All: edevCount},
		MirrorUsagePointListLink: link{Href: s.HrefPrefix + "/mup", All: mupCount},
		TimeLink:          link{Href: s.HrefPrefix + "/tm"},
	})
}

// timeResponse reports server time and the server zone's UTC offset, for
// §6's GET /tm. dstOffset is always 0; no DST transition is reported.
type timeResponse struct {
	CurrentTime      int64 `json:"currentTime"`
	DSTOffsetSeconds int   `json:"dstOffset"`
	TZOffsetSeconds  int   `json:"tzOffset"`
}

// timeHandler implements GET /tm. Offsets are computed against the
// server's local zone rather than a per-site timezone_id — the caller
// negotiates its own DST handling from a site's stored timezone_id
// (§3's Site.timezone_id), this is the wall-clock the server itself runs.
func (a *App) timeHandler(c *fiber.Ctx) error {
	now := time.Now()
	_, tzOffset := now.Zone()

	return c.JSON(timeResponse{
		CurrentTime:      now.Unix(),
		DSTOffsetSeconds: 0,
		TZOffsetSeconds:  tzOffset,
	})
}
