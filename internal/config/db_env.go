package config

import (
	"net/url"
	"os"
)

// dbEnv is the DB_* variable set consulted when neither store.database_url
// nor DATABASE_URL names a database. Every field has a local development
// default.
type dbEnv struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	// AppName ends up as application_name so ledger sessions can be told
	// apart in pg_stat_activity.
	AppName string
}

func loadDBEnv() dbEnv {
	return dbEnv{
		Host:     getenvDefault("DB_HOST", "127.0.0.1"),
		Port:     getenvDefault("DB_PORT", "5438"),
		User:     getenvDefault("DB_USER", "app"),
		Password: getenvDefault("DB_PASSWORD", "app"),
		Name:     getenvDefault("DB_NAME", "property_ledger"),
		SSLMode:  getenvDefault("DB_SSLMODE", "disable"),
		AppName:  getenvDefault("DB_APP_NAME", "property-ledger"),
	}
}

func (e dbEnv) url() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(e.User, e.Password),
		Host:   e.Host + ":" + e.Port,
		Path:   "/" + e.Name,
	}
	q := url.Values{}
	q.Set("sslmode", e.SSLMode)
	if e.AppName != "" {
		q.Set("application_name", e.AppName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// dbDSNFromEnv prefers DATABASE_URL verbatim and otherwise assembles a URL
// from the DB_* parts.
func dbDSNFromEnv() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	return loadDBEnv().url()
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// DSN is the configured database URL, falling back to the DB_* environment.
func (c StoreConfig) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return dbDSNFromEnv()
}

// RedactedDSN is DSN with the password masked. It is what gets logged.
func (c StoreConfig) RedactedDSN() string {
	u, err := url.Parse(c.DSN())
	if err != nil {
		return "<unparseable dsn>"
	}
	return u.Redacted()
}
