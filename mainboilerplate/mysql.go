package mainboilerplate

import (
	"context"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/hadron/conn"
	"go.gazette.dev/hadron/throttler"
)

// MySQLConfig configures a connection to a MySQL server.
type MySQLConfig struct {
	Address      string        `long:"address" env:"ADDRESS" default:"localhost:3306" description:"MySQL server address, as host:port"`
	User         string        `long:"user" env:"USER" default:"root" description:"MySQL user"`
	Password     string        `long:"password" env:"PASSWORD" description:"MySQL password"`
	Database     string        `long:"database" env:"DATABASE" required:"true" description:"Database of migrated tables"`
	Timeout      time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"Timeout for establishing connections"`
	ReadTimeout  time.Duration `long:"read-timeout" env:"READ_TIMEOUT" default:"0s" description:"I/O read timeout. Zero means no timeout"`
	WriteTimeout time.Duration `long:"write-timeout" env:"WRITE_TIMEOUT" default:"0s" description:"I/O write timeout. Zero means no timeout"`
	ProxySQL     bool          `long:"proxysql" env:"PROXYSQL" description:"Annotate statements for routing by ProxySQL to the primary"`
}

// DriverConfig returns the mysql.Config of the MySQLConfig for |addr|.
func (c MySQLConfig) DriverConfig(addr string) *mysql.Config {
	var cfg = mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.DBName = c.Database
	cfg.Timeout = c.Timeout
	cfg.ReadTimeout = c.ReadTimeout
	cfg.WriteTimeout = c.WriteTimeout
	return cfg
}

// MustOpen opens a connection to the configured server.
func (c MySQLConfig) MustOpen(ctx context.Context) *conn.MySQL {
	var m, err = conn.OpenMySQL(ctx, c.DriverConfig(c.Address))
	Must(err, "failed to connect to MySQL", "address", c.Address, "database", c.Database)

	if c.ProxySQL {
		m.Annotation = conn.ProxySQLAnnotation
	}
	log.WithFields(log.Fields{"address": c.Address, "database": c.Database}).Debug("connected to MySQL")
	return m
}

// ReplicaDialer returns a throttler.Dialer which connects to replica hosts
// with the MySQLConfig's credentials, on the port of the configured Address.
func (c MySQLConfig) ReplicaDialer() throttler.Dialer {
	var _, port, err = net.SplitHostPort(c.Address)
	if err != nil {
		port = "3306"
	}
	return func(ctx context.Context, host string) (conn.Conn, error) {
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, port)
		}
		return conn.OpenMySQL(ctx, c.DriverConfig(host))
	}
}
