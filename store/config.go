package store

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/leighmacdonald/magmerge/consts"
	"github.com/pkg/errors"
)

// Config holds the connection options parsed out of a client/server url
type Config struct {
	Type       string
	Host       string
	Port       int
	Username   string
	Password   string
	DB         string
	Properties string
}

// DSN constructs a uri for database connection strings
//
// protocol://[user]:[password]@[hosts][/database][?properties]
func (c Config) DSN() string {
	u := url.URL{
		Scheme:   c.Type,
		Host:     c.Host,
		Path:     "/" + c.DB,
		RawQuery: c.Properties,
	}
	if c.Port > 0 {
		u.Host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

// Locator identifies a database given on the command line
type Locator struct {
	// Driver is the registered driver name
	Driver string
	// Path is the database file of embedded stores and the store name of memory stores
	Path string
	// Config is set for client/server stores
	Config Config
	raw    string
}

// String returns the locator as given by the user, with the password masked
func (l Locator) String() string {
	if l.Config.Password == "" {
		return l.raw
	}
	c := l.Config
	c.Password = "xxxxx"
	return c.DSN()
}

// Raw returns the locator exactly as it was parsed
func (l Locator) Raw() string {
	return l.raw
}

// ParseLocator resolves a filesystem path or a connection url to a Locator.
//
// Paths, sqlite:// and file: urls select the embedded engine and must exist. postgres://,
// postgresql:// and mysql:// select the matching client/server driver, memory:// selects the
// in-process store.
func ParseLocator(s string) (Locator, error) {
	return parseLocator(s, true)
}

// ParseNewLocator is ParseLocator for a database about to be created, the file of an
// embedded engine does not need to exist yet.
func ParseNewLocator(s string) (Locator, error) {
	return parseLocator(s, false)
}

func parseLocator(s string, mustExist bool) (Locator, error) {
	if s == "" {
		return Locator{}, errors.Wrap(consts.ErrInvalidLocator, "empty locator")
	}
	scheme := ""
	if i := strings.Index(s, ":"); i > 1 {
		scheme = strings.ToLower(s[:i])
	}
	switch scheme {
	case "":
		return embeddedLocator(s, s, mustExist)
	case "sqlite", "sqlite3":
		return embeddedLocator(s, strings.TrimPrefix(s[len(scheme)+1:], "//"), mustExist)
	case "file":
		u, err := url.Parse(s)
		if err != nil {
			return Locator{}, errors.Wrapf(consts.ErrInvalidLocator, "%s: %v", s, err)
		}
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		return embeddedLocator(s, p, mustExist)
	case "memory":
		return Locator{Driver: "memory", Path: strings.TrimPrefix(s[len(scheme)+1:], "//"), raw: s}, nil
	case "postgres", "postgresql", "mysql":
		u, err := url.Parse(s)
		if err != nil {
			return Locator{}, errors.Wrapf(consts.ErrInvalidLocator, "%s: %v", s, err)
		}
		loc := Locator{Driver: scheme, raw: s, Config: Config{
			Type:       scheme,
			Host:       u.Hostname(),
			Username:   u.User.Username(),
			DB:         strings.TrimPrefix(u.Path, "/"),
			Properties: u.RawQuery,
		}}
		if scheme == "postgresql" {
			loc.Driver = "postgres"
		}
		loc.Config.Password, _ = u.User.Password()
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return Locator{}, errors.Wrapf(consts.ErrInvalidLocator, "invalid port: %s", p)
			}
			loc.Config.Port = port
		}
		return loc, nil
	default:
		return Locator{}, errors.Wrapf(consts.ErrInvalidLocator, "unknown scheme: %s", scheme)
	}
}

func embeddedLocator(raw string, path string, mustExist bool) (Locator, error) {
	if path == "" {
		return Locator{}, errors.Wrapf(consts.ErrInvalidLocator, "no path in %s", raw)
	}
	st, err := os.Stat(path)
	if err != nil {
		if !mustExist && os.IsNotExist(err) {
			return Locator{Driver: "sqlite", Path: path, raw: raw}, nil
		}
		return Locator{}, errors.Wrapf(consts.ErrInvalidLocator, "%s: %v", path, err)
	}
	if st.IsDir() {
		return Locator{}, errors.Wrapf(consts.ErrInvalidLocator, "%s is a directory", path)
	}
	return Locator{Driver: "sqlite", Path: path, raw: raw}, nil
}
