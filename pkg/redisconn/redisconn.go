// Package redisconn builds the redigo connection pools and redsync lock
// managers shared by the Redis-backed stores.
package redisconn

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/redigo"
	redigolib "github.com/gomodule/redigo/redis"
)

// Default config constants.
const (
	DefaultReadTimeout    = 15 * time.Second
	DefaultWriteTimeout   = 15 * time.Second
	DefaultConnectTimeout = 15 * time.Second
)

// Config holds the options used to reach a Redis server.
type Config struct {
	Broker         string        `yaml:"redis_broker"`
	ReadTimeout    time.Duration `yaml:"redis_read_timeout"`
	WriteTimeout   time.Duration `yaml:"redis_write_timeout"`
	ConnectTimeout time.Duration `yaml:"redis_connect_timeout"`
}

// Backend bundles a connection pool with a lock manager on the same server.
type Backend struct {
	Pool    *redigolib.Pool
	Redsync *redsync.Redsync
}

// New parses cfg.Broker and creates a Backend. Zero timeouts take defaults.
func New(cfg Config) (*Backend, error) {
	u, err := ParseURL(cfg.Broker)
	if err != nil {
		return nil, err
	}

	rc := &connector{
		URL:            u,
		ReadTimeout:    orDefault(cfg.ReadTimeout, DefaultReadTimeout),
		WriteTimeout:   orDefault(cfg.WriteTimeout, DefaultWriteTimeout),
		ConnectTimeout: orDefault(cfg.ConnectTimeout, DefaultConnectTimeout),
	}
	pool := rc.newPool()
	return &Backend{
		Pool:    pool,
		Redsync: redsync.New(redigo.NewPool(pool)),
	}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Close closes the connection pool.
func (b *Backend) Close() error {
	return b.Pool.Close()
}

type connector struct {
	URL            *URL
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ConnectTimeout time.Duration
}

func (rc *connector) newPool() *redigolib.Pool {
	return &redigolib.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		Dial:        rc.open,
		// PINGs connections that have been idle more than 10 seconds
		TestOnBorrow: func(c redigolib.Conn, t time.Time) error {
			if time.Since(t) < 10*time.Second {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// open dials a new Redis connection.
func (rc *connector) open() (redigolib.Conn, error) {
	opts := []redigolib.DialOption{
		redigolib.DialDatabase(rc.URL.DB),
		redigolib.DialReadTimeout(rc.ReadTimeout),
		redigolib.DialWriteTimeout(rc.WriteTimeout),
		redigolib.DialConnectTimeout(rc.ConnectTimeout),
	}

	if rc.URL.Password != "" {
		opts = append(opts, redigolib.DialPassword(rc.URL.Password))
	}

	if rc.URL.SocketPath != "" {
		return redigolib.Dial("unix", rc.URL.SocketPath, opts...)
	}

	return redigolib.Dial("tcp", rc.URL.Host, opts...)
}

// A URL represents a parsed Redis broker URL.
// The general form represented is:
//
//	redis://[password@]host][/][db]
//	redis-socket://[password@]path[?db=db]
type URL struct {
	Host       string
	SocketPath string
	Password   string
	DB         int
}

// ParseURL parses target into a URL.
func ParseURL(target string) (*URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "redis-socket" {
		return nil, errors.New("no redis scheme found")
	}

	db := 0 // default redis db
	var socketPath string

	switch u.Scheme {
	case "redis":
		parts := strings.Split(u.Path, "/")
		if len(parts) > 1 && parts[1] != "" {
			db, err = strconv.Atoi(parts[1])
			if err != nil {
				return nil, err
			}
		}
	case "redis-socket":
		socketPath = u.Path
		opts, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			return nil, err
		}
		if dbval := opts.Get("db"); dbval != "" {
			db, err = strconv.Atoi(dbval)
			if err != nil {
				return nil, err
			}
		}
	}

	var password string
	if u.User != nil {
		if p, ok := u.User.Password(); ok {
			password = p
		} else {
			password = u.User.Username()
		}
	}

	return &URL{
		Host:       u.Host,
		SocketPath: socketPath,
		Password:   password,
		DB:         db,
	}, nil
}
