package connector

import (
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// validate is the package-level validator instance used for struct validation.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the settings required to construct a judge connector.
// Connectors copy the struct at construction time and treat it as immutable
// afterward, so a single Config value can seed many connector instances.
type Config struct {
	// Endpoint is the URL judge requests are posted to.
	Endpoint string `json:"endpoint" validate:"required,url"`

	// Token authenticates requests to the judge service.
	// Sensitive, never serialized.
	Token string `json:"-" validate:"required"`

	// ID identifies this connector instance in logs and rate limit keys.
	// A random UUID is assigned when left empty.
	ID string `json:"id"`

	// HTTPClient performs the actual requests. Deadlines, proxies, and
	// connection pooling are the caller's responsibility; a shared default
	// client is used when nil.
	HTTPClient *http.Client `json:"-"`

	// Logger receives structured request lifecycle events.
	// Defaults to slog.Default when nil.
	Logger *slog.Logger `json:"-"`
}

// Validate checks the configuration and fills defaults for optional fields.
// It must be called before the Config is handed to a connector constructor.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
