// Package config provides configuration parsing and environment variable
// handling for the DER utility server, covering every option named in
// spec.md §6.
//
// Directly adapted from the teacher's internal/options/app.go: same
// godotenv + env + flag layering and ValidationError shape, a different
// field set.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options holds every configuration option recognized by the server.
type Options struct {
	LogLevel zerolog.Level
	Listen   string

	DatabaseURL string

	CertHeader              string
	AllowDeviceRegistration bool
	HrefPrefix              string
	IANAPEN                 uint32

	DefaultDOEImportActiveWatts *int64
	DefaultDOEExportActiveWatts *int64

	EnableNotifications bool
	RabbitMQBrokerURL   string

	AzureADTenantID      string
	AzureADClientID      string
	AzureADIssuer        string
	AzureADDBResourceID  string
	AzureADDBRefreshSecs time.Duration

	InstallCSIPV11aOptInMiddleware bool

	NMIValidationEnabled       bool
	NMIValidationParticipantID string
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

func validateRequired(name string, value *string) error {
	if *value == "" {
		return ValidationError{Field: name, Message: "this option is required"}
	}

	return nil
}

func envStringOrDefault(name, d string) string {
	if v, exists := os.LookupEnv(name); exists && v != "" {
		return v
	}

	return d
}

func envDurationOrDefault(name string, d time.Duration) (time.Duration, error) {
	raw := envStringOrDefault(name, d.String())

	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, ValidationError{Field: name, Message: fmt.Sprintf("could not parse %q as duration: %v", raw, err)}
	}

	return v, nil
}

func envLogLevelOrDefault(name string, d zerolog.Level) (string, error) {
	raw := envStringOrDefault(name, d.String())

	if _, err := zerolog.ParseLevel(raw); err != nil {
		return "", ValidationError{Field: name, Message: fmt.Sprintf("could not parse %q as log level: %v", raw, err)}
	}

	return raw, nil
}

func envBoolOrDefault(name string, d bool) (bool, error) {
	raw := envStringOrDefault(name, strconv.FormatBool(d))

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, ValidationError{Field: name, Message: fmt.Sprintf("could not parse %q as bool: %v", raw, err)}
	}

	return v, nil
}

func envUint32OrDefault(name string, d uint32) (uint32, error) {
	raw := envStringOrDefault(name, strconv.FormatUint(uint64(d), 10))

	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, ValidationError{Field: name, Message: fmt.Sprintf("could not parse %q as uint32: %v", raw, err)}
	}

	return uint32(v), nil
}

func envOptionalInt64(name string) (*int64, error) {
	raw, exists := os.LookupEnv(name)
	if !exists || raw == "" {
		return nil, nil
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, ValidationError{Field: name, Message: fmt.Sprintf("could not parse %q as int64: %v", raw, err)}
	}

	return &v, nil
}

// Parse parses command line flags and environment variables into Options,
// loading .env files first and validating required settings.
func Parse() (*Options, error) {
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	logLevelStr, err := envLogLevelOrDefault("LOG_LEVEL", zerolog.InfoLevel)
	if err != nil {
		return nil, err
	}

	allowDeviceRegistration, err := envBoolOrDefault("ALLOW_DEVICE_REGISTRATION", true)
	if err != nil {
		return nil, err
	}

	ianaPEN, err := envUint32OrDefault("IANA_PEN", 57057) // CSIP-AUS reference server's own PEN
	if err != nil {
		return nil, err
	}

	enableNotifications, err := envBoolOrDefault("ENABLE_NOTIFICATIONS", true)
	if err != nil {
		return nil, err
	}

	azureRefreshSecs, err := envDurationOrDefault("AZURE_AD_DB_REFRESH_SECS", 15*time.Minute)
	if err != nil {
		return nil, err
	}

	installCSIPOptIn, err := envBoolOrDefault("INSTALL_CSIP_V11A_OPT_IN_MIDDLEWARE", false)
	if err != nil {
		return nil, err
	}

	nmiValidationEnabled, err := envBoolOrDefault("NMI_VALIDATION_ENABLED", false)
	if err != nil {
		return nil, err
	}

	defaultImport, err := envOptionalInt64("DEFAULT_DOE_IMPORT_ACTIVE_WATTS")
	if err != nil {
		return nil, err
	}

	defaultExport, err := envOptionalInt64("DEFAULT_DOE_EXPORT_ACTIVE_WATTS")
	if err != nil {
		return nil, err
	}

	var (
		fLogLevel = flag.String("log-level", logLevelStr,
			"Log level. Valid values are: trace, debug, info, warn, error, fatal, panic.")
		fListen = flag.String("listen", envStringOrDefault("LISTEN", ":3000"), "Address to listen on.")

		fDatabaseURL = flag.String("database-url", envStringOrDefault("DATABASE_URL", ""),
			"Postgres DSN for the sep2 resource store.")

		fCertHeader = flag.String("cert-header", envStringOrDefault("CERT_HEADER", "x-forwarded-client-cert"),
			"Request header carrying the client TLS certificate PEM or fingerprint, forwarded by the terminating proxy.")
		fAllowDeviceRegistration = flag.Bool("allow-device-registration", allowDeviceRegistration,
			"If false, device certificates not already attached to a registered site are rejected.")
		fHrefPrefix = flag.String("href-prefix", envStringOrDefault("HREF_PREFIX", ""),
			"Prefix prepended to every generated href.")
		fIANAPEN = flag.Uint("iana-pen", uint(ianaPEN), "IANA Private Enterprise Number embedded in generated MRIDs.")

		fEnableNotifications = flag.Bool("enable-notifications", enableNotifications,
			"Enable the pub/sub notification engine.")
		fRabbitMQBrokerURL = flag.String("rabbit-mq-broker-url", envStringOrDefault("RABBIT_MQ_BROKER_URL", ""),
			"AMQP broker URL for notification delivery. Empty uses the in-memory broker.")

		fAzureADTenantID = flag.String("azure-ad-tenant-id", envStringOrDefault("AZURE_AD_TENANT_ID", ""),
			"Azure AD tenant id for managed-identity auth (optional).")
		fAzureADClientID = flag.String("azure-ad-client-id", envStringOrDefault("AZURE_AD_CLIENT_ID", ""),
			"Azure AD managed-identity client id (optional).")
		fAzureADIssuer = flag.String("azure-ad-issuer-id", envStringOrDefault("AZURE_AD_ISSUER_ID", ""),
			"Expected issuer claim on incoming Azure AD tokens (optional).")
		fAzureADDBResourceID = flag.String("azure-ad-db-resource-id", envStringOrDefault("AZURE_AD_DB_RESOURCE_ID", ""),
			"Azure resource id for dynamic DB credential rotation (optional).")
		fAzureADDBRefreshSecs = flag.Duration("azure-ad-db-refresh-secs", azureRefreshSecs,
			"Pause between failed forced refreshes of the dynamic DB credential token cache; tokens are otherwise refreshed on demand once expired.")

		fInstallCSIPOptIn = flag.Bool("install-csip-v11a-opt-in-middleware", installCSIPOptIn,
			"Install the middleware that swaps the CSIP-AUS XML namespace between v1.1 and v1.1a.")

		fNMIValidationEnabled = flag.Bool("nmi-validation-enabled", nmiValidationEnabled,
			"Enforce NMI format and Luhn-10 check on site registration/update.")
		fNMIValidationParticipantID = flag.String("nmi-validation-participant-id",
			envStringOrDefault("NMI_VALIDATION_PARTICIPANT_ID", ""),
			"Distribution participant id used for NMI validation logging (optional).")
	)

	if !flag.Parsed() {
		flag.Parse()
	}

	logLevel, err := zerolog.ParseLevel(*fLogLevel)
	if err != nil {
		return nil, ValidationError{Field: "log-level", Message: err.Error()}
	}

	if err := validateRequired("database-url", fDatabaseURL); err != nil {
		return nil, err
	}

	return &Options{
		LogLevel: logLevel,
		Listen:   *fListen,

		DatabaseURL: *fDatabaseURL,

		CertHeader:              *fCertHeader,
		AllowDeviceRegistration: *fAllowDeviceRegistration,
		HrefPrefix:              *fHrefPrefix,
		IANAPEN:                 uint32(*fIANAPEN),

		DefaultDOEImportActiveWatts: defaultImport,
		DefaultDOEExportActiveWatts: defaultExport,

		EnableNotifications: *fEnableNotifications,
		RabbitMQBrokerURL:   *fRabbitMQBrokerURL,

		AzureADTenantID:      *fAzureADTenantID,
		AzureADClientID:      *fAzureADClientID,
		AzureADIssuer:        *fAzureADIssuer,
		AzureADDBResourceID:  *fAzureADDBResourceID,
		AzureADDBRefreshSecs: *fAzureADDBRefreshSecs,

		InstallCSIPV11aOptInMiddleware: *fInstallCSIPOptIn,

		NMIValidationEnabled:       *fNMIValidationEnabled,
		NMIValidationParticipantID: *fNMIValidationParticipantID,
	}, nil
}
