package server

import (
	"bytes"

	"github.com/gofiber/fiber/v2"
)

// csipV11Namespace and csipV11aNamespace are the two CSIP-AUS namespace
// spellings §6 names: v1.1 used plain HTTP, v1.1a moved to HTTPS. Clients
// that haven't opted into v1.1a send bodies (and expect responses) in the
// older namespace.
const (
	csipV11Namespace  = "http://csipaus.org/ns"
	csipV11aNamespace = "https://csipaus.org/ns"

	// csipOptInHeader is the opt-in marker: its presence on a request means
	// the client already speaks v1.1a and no swap is needed.
	csipOptInHeader = "X-CSIPAUS-v1.1a"
)

// CSIPNamespaceSwap rewrites the CSIP-AUS namespace between v1.1 and
// v1.1a on request and response bodies when the opt-in header is absent,
// per §6. A missing opt-in header leaves bodies in the v1.1 namespace as
// far as the caller is concerned; internally every handler only ever
// sees/produces v1.1a, so the swap runs inbound before the handler and
// outbound after it.
func CSIPNamespaceSwap() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Get(csipOptInHeader) != "" {
			return c.Next()
		}

		if body := c.Body(); len(body) > 0 {
			c.Request().SetBody(bytes.ReplaceAll(body, []byte(csipV11Namespace), []byte(csipV11aNamespace)))
		}

		if err := c.Next(); err != nil {
			return err
		}

		resp := c.Response()
		resp.SetBodyRaw(bytes.ReplaceAll(resp.Body(), []byte(csipV11aNamespace), []byte(csipV11Namespace)))

		return nil
	}
}
