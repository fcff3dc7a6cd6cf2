// Package server exposes the sep2 resource surface of §6 over HTTP,
// wiring request-scope resolution, the resource store, the subscription
// matcher and notification dispatcher, and the response handler behind
// fiber routes.
//
// Grounded on the teacher's internal/web/server.go (App struct shape,
// createFiberApp/setupMiddleware/setupRoutes, Listen/Shutdown). The
// teacher's session/CSRF/template-cache/LDAP machinery has no home here:
// this is a certificate-authenticated machine API with no browser
// session, so App carries *store.DB, the scope.Resolver, and the
// notification plumbing in their place.
//
// Bodies are JSON. Per spec.md §1's Non-goals, XML (de)serialization
// bindings are an external collaborator this core does not implement;
// JSON is the wire format this core actually speaks, with the
// CSIPNamespaceSwap middleware still implementing the one bit of body
// rewriting spec.md calls out explicitly (the v1.1/v1.1a namespace swap),
// format-agnostically.
package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/rs/zerolog/log"

	"github.com/gridedge/der-utility-server/internal/apperr"
	"github.com/gridedge/der-utility-server/internal/config"
	"github.com/gridedge/der-utility-server/internal/notify"
	"github.com/gridedge/der-utility-server/internal/response"
	"github.com/gridedge/der-utility-server/internal/scope"
	"github.com/gridedge/der-utility-server/internal/store"
	"github.com/gridedge/der-utility-server/internal/subscription"
)

// App is the assembled sep2 HTTP surface.
type App struct {
	db       *store.DB
	resolver *scope.Resolver
	feed     *subscription.Feed
	matcher  *subscription.Matcher
	dispatch *notify.Dispatcher
	response *response.Handler

	opts *config.Options

	fiber *fiber.App
}

// NewApp wires the fiber application from its collaborators and
// registers every route in §6. dispatch may be nil when notifications are
// disabled (opts.EnableNotifications == false); routes still accept
// writes, they just skip the post-commit notify step.
func NewApp(opts *config.Options, db *store.DB, resolver *scope.Resolver, dispatch *notify.Dispatcher) *App {
	a := &App{
		db:       db,
		resolver: resolver,
		feed:     &subscription.Feed{DB: db},
		matcher:  &subscription.Matcher{Lookup: db.SelectSubscriptionsForBatch},
		dispatch: dispatch,
		response: &response.Handler{DB: db, PEN: opts.IANAPEN},
		opts:     opts,
		fiber:    createFiberApp(),
	}

	a.setupMiddleware()
	a.setupRoutes()

	return a
}

func createFiberApp() *fiber.App {
	return fiber.New(fiber.Config{
		AppName:                 "der-utility-server",
		BodyLimit:               1 * 1024 * 1024,
		ErrorHandler:            handleError,
		EnableTrustedProxyCheck: true,
		TrustedProxies:          []string{"127.0.0.0/8", "::1/128", "172.16.0.0/12"},
		ProxyHeader:             fiber.HeaderXForwardedFor,
	})
}

func (a *App) setupMiddleware() {
	a.fiber.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	a.fiber.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	if a.opts.InstallCSIPV11aOptInMiddleware {
		a.fiber.Use(CSIPNamespaceSwap())
	}
}

func (a *App) setupRoutes() {
	f := a.fiber

	f.Get("/health", a.healthHandler)
	f.Get("/health/ready", a.readinessHandler)
	f.Get("/health/live", a.livenessHandler)

	authed := f.Group("/", a.resolver.Middleware())

	authed.Get("/dcap", a.dcapHandler)
	authed.Get("/tm", a.timeHandler)

	authed.Get("/edev", a.listEndDevicesHandler)
	authed.Post("/edev", a.createEndDeviceHandler)
	authed.Get("/edev/:id", a.getEndDeviceHandler)
	authed.Delete("/edev/:id", a.deleteEndDeviceHandler)
	authed.Get("/edev/:id/reg", a.getRegistrationHandler)
	authed.Get("/edev/:id/cp", a.getConnectionPointHandler)
	authed.Post("/edev/:id/cp", a.putConnectionPointHandler)
	authed.Put("/edev/:id/cp", a.putConnectionPointHandler)

	authed.Get("/edev/:id/der/:derIdx/:facet", a.getDERFacetHandler)
	authed.Put("/edev/:id/der/:derIdx/:facet", a.putDERFacetHandler)

	authed.Get("/edev/:id/derp", a.listControlGroupsHandler)
	authed.Get("/edev/:id/derp/:derpId", a.getControlGroupHandler)
	authed.Get("/edev/:id/derp/:derpId/derc", a.listControlGroupDOEsHandler)
	authed.Get("/edev/:id/derp/:derpId/derc/active", a.listActiveControlGroupDOEsHandler)
	authed.Get("/edev/:id/derp/:derpId/dderc", a.getDefaultControlHandler)

	authed.Get("/edev/:id/fsa", a.listFSAHandler)
	authed.Get("/edev/:id/fsa/:fsaId", a.getFSAHandler)

	authed.Get("/mup", a.listMirrorUsagePointsHandler)
	authed.Post("/mup", a.createMirrorUsagePointHandler)
	authed.Get("/mup/:id", a.getMirrorUsagePointHandler)
	authed.Post("/mup/:id", a.postMirrorUsagePointReadingsHandler)
	authed.Delete("/mup/:id", a.deleteMirrorUsagePointHandler)

	authed.Get("/edev/:id/sub", a.listSubscriptionsHandler)
	authed.Post("/edev/:id/sub", a.createSubscriptionHandler)
	authed.Get("/edev/:id/sub/:subId", a.getSubscriptionHandler)
	authed.Delete("/edev/:id/sub/:subId", a.deleteSubscriptionHandler)

	authed.Get("/edev/:id/log", a.listLogEventsHandler)
	authed.Post("/edev/:id/log", a.createLogEventHandler)
	authed.Get("/edev/:id/log/:logId", a.getLogEventHandler)

	authed.Get("/edev/:id/rsps/:list", a.listResponsesHandler)
	authed.Post("/edev/:id/rsps/:list", a.createResponseHandler)
	authed.Get("/edev/:id/rsps/:list/rsp/:rspId", a.getResponseHandler)

	f.Use(notFoundHandler)
}

// Listen starts serving on addr. Blocks until the server shuts down or
// errors.
func (a *App) Listen(ctx context.Context, addr string) error {
	return a.fiber.Listen(addr)
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (a *App) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down fiber server")

	return a.fiber.ShutdownWithContext(ctx)
}

func handleError(c *fiber.Ctx, err error) error {
	var appErr *apperr.Error
	if ok := asAppErr(err, &appErr); ok {
		log.Warn().Err(err).Str("path", c.Path()).Msg("request failed")

		return c.Status(apperr.HTTPStatus(appErr.Kind)).JSON(fiber.Map{
			"reasonCode": apperr.ReasonCode(appErr.Kind),
			"message":    appErr.Message,
		})
	}

	var fiberErr *fiber.Error
	if ok := asFiberErr(err, &fiberErr); ok {
		return c.Status(fiberErr.Code).JSON(fiber.Map{"message": fiberErr.Message})
	}

	log.Error().Err(err).Str("path", c.Path()).Msg("unhandled request error")

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"reasonCode": "internal_error",
		"message":    "internal server error",
	})
}

func asAppErr(err error, target **apperr.Error) bool {
	for err != nil {
		if e, ok := err.(*apperr.Error); ok {
			*target = e

			return true
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}

		err = u.Unwrap()
	}

	return false
}

func asFiberErr(err error, target **fiber.Error) bool {
	if e, ok := err.(*fiber.Error); ok {
		*target = e

		return true
	}

	return false
}

func notFoundHandler(c *fiber.Ctx) error {
	return apperr.NotFound("no such resource: %s", c.Path())
}

// nowUTC is the single clock reading threaded through a request's
// mutation and its archive stamp, per DESIGN.md's Open Question #1
// decision.
func nowUTC() time.Time {
	return time.Now().UTC()
}
