package mysql

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
	"golang.org/x/crypto/ssh"

	"github.com/ajitpratap0/tablesync/pkg/errors"
)

// tunnel is an open SSH client whose forwarded streams carry the database
// protocol.
type tunnel struct {
	client *ssh.Client
}

func dialTunnel(cfg *SSHConfig, timeout time.Duration) (*tunnel, error) {
	var auth []ssh.AuthMethod
	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse ssh private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "ssh tunnel requires a password or private key")
	}

	clientCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: auth,
		// Host keys are not verified; the bastion endpoint comes from
		// operator-controlled configuration.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, err
	}
	return &tunnel{client: client}, nil
}

func (t *tunnel) Close() error {
	return t.client.Close()
}

// tunnelNetwork is the driver network name bound to this connection's
// tunnel dialer. Databases are processed sequentially, so a per-database
// name cannot collide with a live registration.
func (c *Conn) tunnelNetwork() string {
	return "ssh+" + c.cfg.Database
}

// registerTunnelDialer routes driver dials for this connection through the
// current tunnel. The dialer reads the tunnel atomically so reconnection can
// swap in a fresh tunnel without re-registering.
func (c *Conn) registerTunnelDialer() {
	mysql.RegisterDialContext(c.tunnelNetwork(), func(ctx context.Context, addr string) (net.Conn, error) {
		tun := c.tun.Load()
		if tun == nil {
			return nil, errors.New(errors.ErrorTypeConnection, "ssh tunnel is not open")
		}
		return tun.client.DialContext(ctx, "tcp", addr)
	})
}
